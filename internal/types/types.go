// Package types defines the shared domain entities of the game server:
// user profile, resources, buildings, units, research, items, buffs,
// alliances, missions, and the timed-task descriptor that the queue and
// worker subsystems operate on.
package types

import (
	"strconv"
	"time"
)

// User is the account/profile entity.
type User struct {
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	AllianceID  int64     `json:"alliance_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// Resources holds the five stockpiles tracked per user.
type Resources struct {
	UserID int64 `json:"user_id"`
	Food   int64 `json:"food"`
	Wood   int64 `json:"wood"`
	Stone  int64 `json:"stone"`
	Gold   int64 `json:"gold"`
	Ruby   int64 `json:"ruby"`
}

// ResourceTypes lists the canonical resource field names, in the order
// shortage/cost maps are evaluated.
var ResourceTypes = []string{"food", "wood", "stone", "gold", "ruby"}

// Get returns the current amount of the named resource type, or 0 if
// resType is not a known resource.
func (r Resources) Get(resType string) int64 {
	switch resType {
	case "food":
		return r.Food
	case "wood":
		return r.Wood
	case "stone":
		return r.Stone
	case "gold":
		return r.Gold
	case "ruby":
		return r.Ruby
	}
	return 0
}

// Add applies a signed delta to the named resource type in place.
func (r *Resources) Add(resType string, delta int64) {
	switch resType {
	case "food":
		r.Food += delta
	case "wood":
		r.Wood += delta
	case "stone":
		r.Stone += delta
	case "gold":
		r.Gold += delta
	case "ruby":
		r.Ruby += delta
	}
}

// Building is a single per-user building slot.
type Building struct {
	UserID      int64     `json:"user_id"`
	BuildingIdx string    `json:"building_idx"`
	Level       int       `json:"level"`
	Upgrading   bool      `json:"upgrading"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UnitAggregate tracks one unit type's population across every bucket it
// can occupy. Total returns the sum of every bucket, which must always
// equal the unit count the user has ever trained minus losses.
type UnitAggregate struct {
	UserID    int64     `json:"user_id"`
	UnitIdx   string    `json:"unit_idx"`
	Ready     int64     `json:"ready"`
	Field     int64     `json:"field"`
	Training  int64     `json:"training"`
	Upgrading int64     `json:"upgrading"`
	Injured   int64     `json:"injured"`
	Wounded   int64     `json:"wounded"`
	Healing   int64     `json:"healing"`
	Dead      int64     `json:"dead"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Total sums every bucket of the aggregate.
func (u UnitAggregate) Total() int64 {
	return u.Ready + u.Field + u.Training + u.Upgrading + u.Injured + u.Wounded + u.Healing + u.Dead
}

// ResearchStatus is the research line's position in its state machine.
type ResearchStatus string

const (
	ResearchLocked      ResearchStatus = "locked"
	ResearchAvailable   ResearchStatus = "available"
	ResearchResearching ResearchStatus = "researching"
	ResearchCompleted   ResearchStatus = "completed"
)

// Research tracks one research line's completed level and status.
type Research struct {
	UserID      int64          `json:"user_id"`
	ResearchIdx string         `json:"research_idx"`
	Level       int            `json:"level"`
	Status      ResearchStatus `json:"status"`
	StartAt     time.Time      `json:"start_at,omitempty"`
	EndAt       time.Time      `json:"end_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Item is a stack of one item type in a user's inventory.
type Item struct {
	UserID    int64     `json:"user_id"`
	ItemIdx   string    `json:"item_idx"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BuffValueType distinguishes an additive modifier from a percentage one.
type BuffValueType string

const (
	BuffFlat    BuffValueType = "flat"
	BuffPercent BuffValueType = "percent"
)

// BuffKey builds the source_key used to identify the object that granted
// a permanent buff, e.g. BuffKey("research", "wall_3") for research line
// "wall" reaching level 3.
func BuffKey(targetType, sourceKey string) string {
	return targetType + ":" + sourceKey
}

// Buff is a single active modifier, permanent or with an expiry. TargetType
// and TargetSubType scope which stat lookups the buff applies to (e.g.
// target_type "building", target_sub_type "town_hall", stat_type
// "build_speed"); a blank TargetSubType matches every sub type of
// TargetType.
type Buff struct {
	UserID        int64         `json:"user_id"`
	BuffIdx       string        `json:"buff_idx"`
	TargetType    string        `json:"target_type"`
	TargetSubType string        `json:"target_sub_type,omitempty"`
	StatType      string        `json:"stat_type"`
	Value         float64       `json:"value"`
	ValueType     BuffValueType `json:"value_type"`
	Permanent     bool          `json:"permanent"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
}

// Alliance join policies.
const (
	JoinOpen     = "open"
	JoinApproval = "approval"
)

// Alliance is a player guild.
type Alliance struct {
	AllianceID int64     `json:"alliance_id"`
	Name       string    `json:"name"`
	LeaderID   int64     `json:"leader_id"`
	JoinPolicy string    `json:"join_policy"`
	CreatedAt  time.Time `json:"created_at"`
}

// AllianceMember is one user's membership/role record within an alliance.
type AllianceMember struct {
	AllianceID int64     `json:"alliance_id"`
	UserID     int64     `json:"user_id"`
	Role       string    `json:"role"` // "leader", "vice_leader", "officer", "member"
	JoinedAt   time.Time `json:"joined_at"`
}

// AllianceApplication is a pending join request against an Approval-policy
// alliance, removed on accept, reject, leave, or kick.
type AllianceApplication struct {
	AllianceID int64     `json:"alliance_id"`
	UserID     int64     `json:"user_id"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Mission is a per-user quest/achievement progress record.
type Mission struct {
	UserID      int64     `json:"user_id"`
	MissionIdx  string    `json:"mission_idx"`
	Progress    int64     `json:"progress"`
	Completed   bool      `json:"completed"`
	Claimed     bool      `json:"claimed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ShopSlot is one of the shop's rotating purchase offers.
type ShopSlot struct {
	UserID    int64     `json:"user_id"`
	SlotIdx   int       `json:"slot_idx"`
	ItemIdx   string    `json:"item_idx"`
	Price     int64     `json:"price"`
	Currency  string    `json:"currency"`
	Purchased bool      `json:"purchased"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TaskClass identifies which timed-task sorted set a task belongs to.
type TaskClass string

const (
	TaskBuilding TaskClass = "building"
	TaskUnit     TaskClass = "unit"
	TaskResearch TaskClass = "research"
	TaskMission  TaskClass = "mission"
	TaskItem     TaskClass = "item"
)

// Task is a timed-task descriptor: the member/score pair of the queue plus
// its sidecar metadata.
type Task struct {
	Class      TaskClass      `json:"class"`
	UserID     int64          `json:"user_id"`
	TaskID     string         `json:"task_id"`
	SubID      string         `json:"sub_id,omitempty"`
	EndAt      time.Time      `json:"end_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Attempts   int            `json:"attempts"`
}

// Member returns the sorted-set member key for t, in
// "{user}:{task}[:{sub}]" format.
func (t Task) Member() string {
	uid := strconv.FormatInt(t.UserID, 10)
	if t.SubID != "" {
		return uid + ":" + t.TaskID + ":" + t.SubID
	}
	return uid + ":" + t.TaskID
}
