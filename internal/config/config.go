// Package config loads the server's TOML configuration file: the ambient
// General/Cache/Persistence/Queue/API/Push sections plus the Config Catalog
// (per-entity-class definitions for buildings, units, research, items, and
// missions) that domain services consult for costs, durations, and effects.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for human-readable TOML values ("10s", "2m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// General holds process-wide settings.
type General struct {
	Bind       string `toml:"bind"`
	DataDir    string `toml:"data_dir"`
	DevLogging bool   `toml:"dev_logging"`
	LogLevel   string `toml:"log_level"`
}

// Cache holds hot-store tuning.
type Cache struct {
	BuffTTL Duration `toml:"buff_ttl"`
}

// Persistence holds the relational store's connection settings.
type Persistence struct {
	DBPath      string   `toml:"db_path"`
	BusyTimeout Duration `toml:"busy_timeout"`
}

// Queue holds timed-task subsystem tuning.
type Queue struct {
	MetadataTTL   Duration `toml:"metadata_ttl"`
	MaxAttempts   int      `toml:"max_attempts"`
	TickInterval  Duration `toml:"tick_interval"`
	PruneInterval Duration `toml:"prune_interval"`
}

// SyncCadence holds the per-class sync worker intervals.
type SyncCadence struct {
	Building Duration `toml:"building"`
	Research Duration `toml:"research"`
	Unit     Duration `toml:"unit"`
	Resource Duration `toml:"resource"`
	Mission  Duration `toml:"mission"`
	Item     Duration `toml:"item"`
	Buff     Duration `toml:"buff"`
	Shop     Duration `toml:"shop"`
}

// API holds command-transport settings.
type API struct {
	Bind string `toml:"bind"`
}

// Push holds WebSocket push-channel settings.
type Push struct {
	Bind         string   `toml:"bind"`
	PingInterval Duration `toml:"ping_interval"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// Refunds holds the config-tunable refund fractions on cancel.
type Refunds struct {
	Research float64 `toml:"research"`
	Building float64 `toml:"building"`
	Unit     float64 `toml:"unit"`
}

// MaxBuildingLevel is the highest level a building can be upgraded to.
// Upgrading from MaxBuildingLevel-1 succeeds; attempting it at
// MaxBuildingLevel is rejected as Conflict rather than NotFound, since
// the ceiling is a deliberate game rule and not a missing catalog row.
const MaxBuildingLevel = 10

// EffectDef is one buff grant entry attached to a building or research
// catalog row: reaching this level grants a buff scoped to
// (TargetType, TargetSubType, StatType) of the given Value/ValueType.
type EffectDef struct {
	TargetType    string  `toml:"target_type"`
	TargetSubType string  `toml:"target_sub_type"`
	StatType      string  `toml:"stat_type"`
	Value         float64 `toml:"value"`
	ValueType     string  `toml:"value_type"` // "flat" or "percent"
}

// BuildingDef is one Config Catalog row for a building type/level.
type BuildingDef struct {
	Idx           string          `toml:"idx"`
	Level         int             `toml:"level"`
	Cost          map[string]int64 `toml:"cost"`
	BuildSeconds  int64           `toml:"build_seconds"`
	Prerequisites map[string]int  `toml:"prerequisites"`
	Effects       []EffectDef     `toml:"effects"`
}

// UnitDef is one Config Catalog row for a trainable unit type.
type UnitDef struct {
	Idx           string           `toml:"idx"`
	Cost          map[string]int64 `toml:"cost"`
	TrainSeconds  int64            `toml:"train_seconds"`
	UpgradeFrom   string           `toml:"upgrade_from"`
	UpgradeSeconds int64           `toml:"upgrade_seconds"`
	Prerequisites map[string]int   `toml:"prerequisites"`
}

// ResearchDef is one Config Catalog row for a research line/level.
type ResearchDef struct {
	Idx             string          `toml:"idx"`
	Level           int             `toml:"level"`
	Cost            map[string]int64 `toml:"cost"`
	ResearchSeconds int64           `toml:"research_seconds"`
	Repeatable      bool            `toml:"repeatable"`
	Prerequisites   map[string]int  `toml:"prerequisites"`
	Effects         []EffectDef     `toml:"effects"`
}

// WeightedEntry is one row of a weighted-random table (shop slot rotation,
// chest loot) shared by the Item and Shop services.
type WeightedEntry struct {
	Idx    string `toml:"idx"`
	Weight int    `toml:"weight"`
}

// ItemDef is one Config Catalog row for an item type.
type ItemDef struct {
	Idx            string          `toml:"idx"`
	Kind           string          `toml:"kind"` // "speedup", "resource", "chest"
	SpeedupSeconds int64           `toml:"speedup_seconds"`
	ResourceType   string          `toml:"resource_type"`
	ResourceAmount int64           `toml:"resource_amount"`
	ChestTable     []WeightedEntry `toml:"chest_table"`
}

// MissionDef is one Config Catalog row for a mission/achievement.
type MissionDef struct {
	Idx      string           `toml:"idx"`
	Category string           `toml:"category"`
	Target   int64            `toml:"target"`
	Reward   map[string]int64 `toml:"reward"`
}

// ShopConfig holds shop rotation settings.
type ShopConfig struct {
	Slots           int             `toml:"slots"`
	RefreshInterval Duration        `toml:"refresh_interval"`
	Table           []WeightedEntry `toml:"table"`
}

// Config is the root configuration document.
type Config struct {
	General     General     `toml:"general"`
	Cache       Cache       `toml:"cache"`
	Persistence Persistence `toml:"persistence"`
	Queue       Queue       `toml:"queue"`
	Sync        SyncCadence `toml:"sync"`
	API         API         `toml:"api"`
	Push        Push        `toml:"push"`
	Refunds     Refunds     `toml:"refunds"`
	Shop        ShopConfig  `toml:"shop"`

	Buildings []BuildingDef `toml:"buildings"`
	Units     []UnitDef     `toml:"units"`
	Research  []ResearchDef `toml:"research"`
	Items     []ItemDef     `toml:"items"`
	Missions  []MissionDef  `toml:"missions"`
}

// Load reads and parses a TOML config file, applying defaults and
// validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return &cfg, nil
}

// LoadManager loads a config file and wraps it in a hot-reloadable manager.
func LoadManager(path string) (*RWMutexManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.Bind == "" {
		cfg.General.Bind = ":8080"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = "./data"
	}
	if cfg.Persistence.DBPath == "" {
		cfg.Persistence.DBPath = cfg.General.DataDir + "/game.db"
	}
	if cfg.Persistence.BusyTimeout.Duration == 0 {
		cfg.Persistence.BusyTimeout = Duration{5 * time.Second}
	}
	if cfg.Queue.MetadataTTL.Duration == 0 {
		cfg.Queue.MetadataTTL = Duration{24 * time.Hour}
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.TickInterval.Duration == 0 {
		cfg.Queue.TickInterval = Duration{time.Second}
	}
	if cfg.Queue.PruneInterval.Duration == 0 {
		cfg.Queue.PruneInterval = Duration{time.Hour}
	}
	if cfg.Sync.Building.Duration == 0 {
		cfg.Sync.Building = Duration{10 * time.Second}
	}
	if cfg.Sync.Research.Duration == 0 {
		cfg.Sync.Research = Duration{10 * time.Second}
	}
	if cfg.Sync.Unit.Duration == 0 {
		cfg.Sync.Unit = Duration{30 * time.Second}
	}
	if cfg.Sync.Resource.Duration == 0 {
		cfg.Sync.Resource = Duration{60 * time.Second}
	}
	if cfg.Sync.Mission.Duration == 0 {
		cfg.Sync.Mission = Duration{120 * time.Second}
	}
	if cfg.Sync.Item.Duration == 0 {
		cfg.Sync.Item = Duration{60 * time.Second}
	}
	if cfg.Sync.Buff.Duration == 0 {
		cfg.Sync.Buff = Duration{30 * time.Second}
	}
	if cfg.Sync.Shop.Duration == 0 {
		cfg.Sync.Shop = Duration{120 * time.Second}
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = ":8081"
	}
	if cfg.Push.Bind == "" {
		cfg.Push.Bind = ":8082"
	}
	if cfg.Push.PingInterval.Duration == 0 {
		cfg.Push.PingInterval = Duration{30 * time.Second}
	}
	if cfg.Push.WriteTimeout.Duration == 0 {
		cfg.Push.WriteTimeout = Duration{10 * time.Second}
	}
	if cfg.Cache.BuffTTL.Duration == 0 {
		cfg.Cache.BuffTTL = Duration{60 * time.Second}
	}
	if cfg.Refunds.Research == 0 {
		cfg.Refunds.Research = 0.5
	}
	if cfg.Refunds.Building == 0 {
		cfg.Refunds.Building = 1.0
	}
	if cfg.Refunds.Unit == 0 {
		cfg.Refunds.Unit = 1.0
	}
	if cfg.Shop.Slots == 0 {
		cfg.Shop.Slots = 6
	}
	if cfg.Shop.RefreshInterval.Duration == 0 {
		cfg.Shop.RefreshInterval = Duration{24 * time.Hour}
	}
}

func validate(cfg *Config) error {
	if cfg.Persistence.DBPath == "" {
		return fmt.Errorf("persistence.db_path is required")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	for _, b := range cfg.Buildings {
		if b.Idx == "" {
			return fmt.Errorf("buildings: idx is required")
		}
	}
	for _, u := range cfg.Units {
		if u.Idx == "" {
			return fmt.Errorf("units: idx is required")
		}
	}
	return nil
}

// Clone deep-copies cfg so config.Manager readers never share mutable state.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg

	out.Buildings = append([]BuildingDef(nil), cfg.Buildings...)
	out.Units = append([]UnitDef(nil), cfg.Units...)
	out.Research = append([]ResearchDef(nil), cfg.Research...)
	out.Items = append([]ItemDef(nil), cfg.Items...)
	out.Missions = append([]MissionDef(nil), cfg.Missions...)
	out.Shop.Table = append([]WeightedEntry(nil), cfg.Shop.Table...)

	for i, b := range out.Buildings {
		out.Buildings[i].Cost = cloneInt64Map(b.Cost)
		out.Buildings[i].Prerequisites = cloneIntMap(b.Prerequisites)
		out.Buildings[i].Effects = cloneEffects(b.Effects)
	}
	for i, u := range out.Units {
		out.Units[i].Cost = cloneInt64Map(u.Cost)
		out.Units[i].Prerequisites = cloneIntMap(u.Prerequisites)
	}
	for i, r := range out.Research {
		out.Research[i].Cost = cloneInt64Map(r.Cost)
		out.Research[i].Prerequisites = cloneIntMap(r.Prerequisites)
		out.Research[i].Effects = cloneEffects(r.Effects)
	}
	for i, it := range out.Items {
		out.Items[i].ChestTable = append([]WeightedEntry(nil), it.ChestTable...)
	}
	for i, m := range out.Missions {
		out.Missions[i].Reward = cloneInt64Map(m.Reward)
	}

	return &out
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	if m == nil {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneEffects(e []EffectDef) []EffectDef {
	if e == nil {
		return nil
	}
	return append([]EffectDef(nil), e...)
}

// FindBuilding returns the catalog row for a building idx/level, if present.
func (cfg *Config) FindBuilding(idx string, level int) (BuildingDef, bool) {
	for _, b := range cfg.Buildings {
		if b.Idx == idx && b.Level == level {
			return b, true
		}
	}
	return BuildingDef{}, false
}

// FindUnit returns the catalog row for a unit idx, if present.
func (cfg *Config) FindUnit(idx string) (UnitDef, bool) {
	for _, u := range cfg.Units {
		if u.Idx == idx {
			return u, true
		}
	}
	return UnitDef{}, false
}

// FindResearch returns the catalog row for a research idx/level, if present.
func (cfg *Config) FindResearch(idx string, level int) (ResearchDef, bool) {
	for _, r := range cfg.Research {
		if r.Idx == idx && r.Level == level {
			return r, true
		}
	}
	return ResearchDef{}, false
}

// FindItem returns the catalog row for an item idx, if present.
func (cfg *Config) FindItem(idx string) (ItemDef, bool) {
	for _, it := range cfg.Items {
		if it.Idx == idx {
			return it, true
		}
	}
	return ItemDef{}, false
}

// FindMission returns the catalog row for a mission idx, if present.
func (cfg *Config) FindMission(idx string) (MissionDef, bool) {
	for _, m := range cfg.Missions {
		if m.Idx == idx {
			return m, true
		}
	}
	return MissionDef{}, false
}

// WeightedChoice draws an index from table proportional to Weight, using
// roll as a value in [0, total weight). Shared by the Item Service's chest
// rolls and the Shop Service's slot rotation.
func WeightedChoice(table []WeightedEntry, roll int) int {
	total := 0
	for _, e := range table {
		total += e.Weight
	}
	if total <= 0 {
		return -1
	}
	roll = roll % total
	acc := 0
	for i, e := range table {
		acc += e.Weight
		if roll < acc {
			return i
		}
	}
	return len(table) - 1
}
