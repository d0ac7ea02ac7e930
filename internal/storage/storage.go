// Package storage is the Persistent Store: the system of record behind the
// hot cache, one relational table per entity class keyed by (user_id,
// entity_idx[, level]). Sync workers write behind into it; domain services
// never read it directly except on cache miss.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/gameserver/internal/types"
)

// Store wraps the relational persistent store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	alliance_id INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	last_login_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resources (
	user_id INTEGER PRIMARY KEY,
	food INTEGER NOT NULL DEFAULT 0,
	wood INTEGER NOT NULL DEFAULT 0,
	stone INTEGER NOT NULL DEFAULT 0,
	gold INTEGER NOT NULL DEFAULT 0,
	ruby INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS buildings (
	user_id INTEGER NOT NULL,
	building_idx TEXT NOT NULL,
	level INTEGER NOT NULL DEFAULT 0,
	upgrading INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, building_idx)
);

CREATE TABLE IF NOT EXISTS units (
	user_id INTEGER NOT NULL,
	unit_idx TEXT NOT NULL,
	ready INTEGER NOT NULL DEFAULT 0,
	field INTEGER NOT NULL DEFAULT 0,
	training INTEGER NOT NULL DEFAULT 0,
	upgrading INTEGER NOT NULL DEFAULT 0,
	injured INTEGER NOT NULL DEFAULT 0,
	wounded INTEGER NOT NULL DEFAULT 0,
	healing INTEGER NOT NULL DEFAULT 0,
	dead INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, unit_idx)
);

CREATE TABLE IF NOT EXISTS research (
	user_id INTEGER NOT NULL,
	research_idx TEXT NOT NULL,
	level INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'locked',
	start_at DATETIME,
	end_at DATETIME,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, research_idx)
);

CREATE TABLE IF NOT EXISTS items (
	user_id INTEGER NOT NULL,
	item_idx TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, item_idx)
);

CREATE TABLE IF NOT EXISTS buffs (
	user_id INTEGER NOT NULL,
	buff_idx TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	target_sub_type TEXT NOT NULL DEFAULT '',
	stat_type TEXT NOT NULL DEFAULT '',
	value REAL NOT NULL DEFAULT 0,
	value_type TEXT NOT NULL DEFAULT 'flat',
	permanent INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME,
	PRIMARY KEY (user_id, buff_idx)
);

CREATE TABLE IF NOT EXISTS alliances (
	alliance_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	leader_id INTEGER NOT NULL,
	join_policy TEXT NOT NULL DEFAULT 'open',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS alliance_members (
	alliance_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	joined_at DATETIME NOT NULL,
	PRIMARY KEY (alliance_id, user_id)
);

CREATE TABLE IF NOT EXISTS alliance_applications (
	alliance_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	applied_at DATETIME NOT NULL,
	PRIMARY KEY (alliance_id, user_id)
);

CREATE TABLE IF NOT EXISTS missions (
	user_id INTEGER NOT NULL,
	mission_idx TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	claimed INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, mission_idx)
);

CREATE TABLE IF NOT EXISTS shop_slots (
	user_id INTEGER NOT NULL,
	slot_idx INTEGER NOT NULL,
	item_idx TEXT NOT NULL,
	price INTEGER NOT NULL,
	currency TEXT NOT NULL,
	purchased INTEGER NOT NULL DEFAULT 0,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, slot_idx)
);

CREATE TABLE IF NOT EXISTS tasks (
	class TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	task_id TEXT NOT NULL,
	sub_id TEXT NOT NULL DEFAULT '',
	end_at DATETIME NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (class, user_id, task_id, sub_id)
);
`

// Open opens (creating if absent) the SQLite database at path, applying
// the schema and a WAL/busy-timeout pragma pair tuned for a single
// writer under moderate contention.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureUser inserts a user row if one doesn't already exist, returning the
// resulting row. Used on first login.
func (s *Store) EnsureUser(ctx context.Context, userID int64, username string, now int64) (types.User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, username, created_at, last_login_at)
		VALUES (?, ?, datetime(?, 'unixepoch'), datetime(?, 'unixepoch'))
		ON CONFLICT(user_id) DO NOTHING`, userID, username, now, now)
	if err != nil {
		return types.User{}, fmt.Errorf("ensuring user %d: %w", userID, err)
	}
	return s.GetUser(ctx, userID)
}

// GetUser loads a user row by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (types.User, error) {
	var u types.User
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, alliance_id, created_at, last_login_at
		FROM users WHERE user_id = ?`, userID)
	if err := row.Scan(&u.UserID, &u.Username, &u.AllianceID, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return types.User{}, fmt.Errorf("loading user %d: %w", userID, err)
	}
	return u, nil
}

// TouchLogin updates a user's last_login_at.
func (s *Store) TouchLogin(ctx context.Context, userID int64, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = datetime(?, 'unixepoch') WHERE user_id = ?`, now, userID)
	return err
}

// GetResources loads a user's resource stockpile, zero-valued if absent.
func (s *Store) GetResources(ctx context.Context, userID int64) (types.Resources, error) {
	r := types.Resources{UserID: userID}
	row := s.db.QueryRowContext(ctx, `SELECT food, wood, stone, gold, ruby FROM resources WHERE user_id = ?`, userID)
	err := row.Scan(&r.Food, &r.Wood, &r.Stone, &r.Gold, &r.Ruby)
	if err == sql.ErrNoRows {
		return r, nil
	}
	if err != nil {
		return types.Resources{}, fmt.Errorf("loading resources for %d: %w", userID, err)
	}
	return r, nil
}

// UpsertResources writes a user's full resource row.
func (s *Store) UpsertResources(ctx context.Context, r types.Resources) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (user_id, food, wood, stone, gold, ruby)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET food=excluded.food, wood=excluded.wood,
			stone=excluded.stone, gold=excluded.gold, ruby=excluded.ruby`,
		r.UserID, r.Food, r.Wood, r.Stone, r.Gold, r.Ruby)
	if err != nil {
		return fmt.Errorf("upserting resources for %d: %w", r.UserID, err)
	}
	return nil
}

// ListBuildings loads all building rows for a user.
func (s *Store) ListBuildings(ctx context.Context, userID int64) ([]types.Building, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, building_idx, level, upgrading, updated_at
		FROM buildings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing buildings for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Building
	for rows.Next() {
		var b types.Building
		if err := rows.Scan(&b.UserID, &b.BuildingIdx, &b.Level, &b.Upgrading, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning building row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertBuilding writes one building row.
func (s *Store) UpsertBuilding(ctx context.Context, b types.Building) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buildings (user_id, building_idx, level, upgrading, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, building_idx) DO UPDATE SET level=excluded.level,
			upgrading=excluded.upgrading, updated_at=excluded.updated_at`,
		b.UserID, b.BuildingIdx, b.Level, b.Upgrading, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting building %s for %d: %w", b.BuildingIdx, b.UserID, err)
	}
	return nil
}

// ListUnits loads all unit aggregate rows for a user.
func (s *Store) ListUnits(ctx context.Context, userID int64) ([]types.UnitAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, unit_idx, ready, field, training, upgrading, injured, wounded, healing, dead, updated_at
		FROM units WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing units for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.UnitAggregate
	for rows.Next() {
		var u types.UnitAggregate
		if err := rows.Scan(&u.UserID, &u.UnitIdx, &u.Ready, &u.Field, &u.Training, &u.Upgrading,
			&u.Injured, &u.Wounded, &u.Healing, &u.Dead, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning unit row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpsertUnit writes one unit aggregate row.
func (s *Store) UpsertUnit(ctx context.Context, u types.UnitAggregate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (user_id, unit_idx, ready, field, training, upgrading, injured, wounded, healing, dead, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, unit_idx) DO UPDATE SET ready=excluded.ready, field=excluded.field,
			training=excluded.training, upgrading=excluded.upgrading, injured=excluded.injured,
			wounded=excluded.wounded, healing=excluded.healing, dead=excluded.dead,
			updated_at=excluded.updated_at`,
		u.UserID, u.UnitIdx, u.Ready, u.Field, u.Training, u.Upgrading, u.Injured, u.Wounded,
		u.Healing, u.Dead, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting unit %s for %d: %w", u.UnitIdx, u.UserID, err)
	}
	return nil
}

// ListResearch loads all research rows for a user.
func (s *Store) ListResearch(ctx context.Context, userID int64) ([]types.Research, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, research_idx, level, status, start_at, end_at, updated_at
		FROM research WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing research for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Research
	for rows.Next() {
		var r types.Research
		var status string
		var start, end sql.NullTime
		if err := rows.Scan(&r.UserID, &r.ResearchIdx, &r.Level, &status, &start, &end, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning research row: %w", err)
		}
		r.Status = types.ResearchStatus(status)
		if start.Valid {
			r.StartAt = start.Time
		}
		if end.Valid {
			r.EndAt = end.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertResearch writes one research row.
func (s *Store) UpsertResearch(ctx context.Context, r types.Research) error {
	var start, end any
	if !r.StartAt.IsZero() {
		start = r.StartAt
	}
	if !r.EndAt.IsZero() {
		end = r.EndAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO research (user_id, research_idx, level, status, start_at, end_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, research_idx) DO UPDATE SET level=excluded.level,
			status=excluded.status, start_at=excluded.start_at, end_at=excluded.end_at,
			updated_at=excluded.updated_at`,
		r.UserID, r.ResearchIdx, r.Level, string(r.Status), start, end, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting research %s for %d: %w", r.ResearchIdx, r.UserID, err)
	}
	return nil
}

// ListItems loads all item stack rows for a user.
func (s *Store) ListItems(ctx context.Context, userID int64) ([]types.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, item_idx, count, updated_at FROM items WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing items for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Item
	for rows.Next() {
		var it types.Item
		if err := rows.Scan(&it.UserID, &it.ItemIdx, &it.Count, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpsertItem writes one item stack row.
func (s *Store) UpsertItem(ctx context.Context, it types.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (user_id, item_idx, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, item_idx) DO UPDATE SET count=excluded.count, updated_at=excluded.updated_at`,
		it.UserID, it.ItemIdx, it.Count, it.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting item %s for %d: %w", it.ItemIdx, it.UserID, err)
	}
	return nil
}

// ListBuffs loads all buff rows for a user.
func (s *Store) ListBuffs(ctx context.Context, userID int64) ([]types.Buff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, buff_idx, target_type, target_sub_type, stat_type, value, value_type, permanent, expires_at
		FROM buffs WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing buffs for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Buff
	for rows.Next() {
		var b types.Buff
		var valueType string
		var expires sql.NullTime
		if err := rows.Scan(&b.UserID, &b.BuffIdx, &b.TargetType, &b.TargetSubType, &b.StatType,
			&b.Value, &valueType, &b.Permanent, &expires); err != nil {
			return nil, fmt.Errorf("scanning buff row: %w", err)
		}
		b.ValueType = types.BuffValueType(valueType)
		if expires.Valid {
			b.ExpiresAt = expires.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertBuff writes one buff row.
func (s *Store) UpsertBuff(ctx context.Context, b types.Buff) error {
	var expires any
	if !b.ExpiresAt.IsZero() {
		expires = b.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buffs (user_id, buff_idx, target_type, target_sub_type, stat_type, value, value_type, permanent, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, buff_idx) DO UPDATE SET target_type=excluded.target_type,
			target_sub_type=excluded.target_sub_type, stat_type=excluded.stat_type,
			value=excluded.value, value_type=excluded.value_type,
			permanent=excluded.permanent, expires_at=excluded.expires_at`,
		b.UserID, b.BuffIdx, b.TargetType, b.TargetSubType, b.StatType, b.Value, string(b.ValueType),
		b.Permanent, expires)
	if err != nil {
		return fmt.Errorf("upserting buff %s for %d: %w", b.BuffIdx, b.UserID, err)
	}
	return nil
}

// DeleteBuff removes an expired or cancelled buff row.
func (s *Store) DeleteBuff(ctx context.Context, userID int64, buffIdx string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM buffs WHERE user_id = ? AND buff_idx = ?`, userID, buffIdx)
	return err
}

// ListMissions loads all mission progress rows for a user.
func (s *Store) ListMissions(ctx context.Context, userID int64) ([]types.Mission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, mission_idx, progress, completed, claimed, updated_at
		FROM missions WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing missions for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.Mission
	for rows.Next() {
		var m types.Mission
		if err := rows.Scan(&m.UserID, &m.MissionIdx, &m.Progress, &m.Completed, &m.Claimed, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning mission row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMission writes one mission progress row.
func (s *Store) UpsertMission(ctx context.Context, m types.Mission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missions (user_id, mission_idx, progress, completed, claimed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, mission_idx) DO UPDATE SET progress=excluded.progress,
			completed=excluded.completed, claimed=excluded.claimed, updated_at=excluded.updated_at`,
		m.UserID, m.MissionIdx, m.Progress, m.Completed, m.Claimed, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting mission %s for %d: %w", m.MissionIdx, m.UserID, err)
	}
	return nil
}

// CreateAlliance inserts a new alliance and its leader's membership row in
// one transaction.
func (s *Store) CreateAlliance(ctx context.Context, name string, leaderID int64, now int64) (types.Alliance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Alliance{}, fmt.Errorf("beginning alliance creation: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO alliances (name, leader_id, join_policy, created_at) VALUES (?, ?, ?, datetime(?, 'unixepoch'))`,
		name, leaderID, types.JoinOpen, now)
	if err != nil {
		return types.Alliance{}, fmt.Errorf("inserting alliance %s: %w", name, err)
	}
	allianceID, err := res.LastInsertId()
	if err != nil {
		return types.Alliance{}, fmt.Errorf("reading new alliance id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alliance_members (alliance_id, user_id, role, joined_at)
		VALUES (?, ?, 'leader', datetime(?, 'unixepoch'))`, allianceID, leaderID, now); err != nil {
		return types.Alliance{}, fmt.Errorf("inserting founding member: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE users SET alliance_id = ? WHERE user_id = ?`, allianceID, leaderID); err != nil {
		return types.Alliance{}, fmt.Errorf("setting leader alliance_id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Alliance{}, fmt.Errorf("committing alliance creation: %w", err)
	}

	return s.GetAlliance(ctx, allianceID)
}

// GetAlliance loads an alliance row by id.
func (s *Store) GetAlliance(ctx context.Context, allianceID int64) (types.Alliance, error) {
	var a types.Alliance
	row := s.db.QueryRowContext(ctx, `
		SELECT alliance_id, name, leader_id, join_policy, created_at FROM alliances WHERE alliance_id = ?`, allianceID)
	if err := row.Scan(&a.AllianceID, &a.Name, &a.LeaderID, &a.JoinPolicy, &a.CreatedAt); err != nil {
		return types.Alliance{}, fmt.Errorf("loading alliance %d: %w", allianceID, err)
	}
	return a, nil
}

// SetAllianceJoinPolicy updates an alliance's join policy.
func (s *Store) SetAllianceJoinPolicy(ctx context.Context, allianceID int64, policy string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alliances SET join_policy = ? WHERE alliance_id = ?`, policy, allianceID)
	return err
}

// CreateApplication records a pending join request.
func (s *Store) CreateApplication(ctx context.Context, allianceID, userID int64, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alliance_applications (alliance_id, user_id, applied_at)
		VALUES (?, ?, datetime(?, 'unixepoch'))
		ON CONFLICT(alliance_id, user_id) DO NOTHING`, allianceID, userID, now)
	return err
}

// GetApplication loads a pending join request, if one exists.
func (s *Store) GetApplication(ctx context.Context, allianceID, userID int64) (types.AllianceApplication, bool, error) {
	var a types.AllianceApplication
	row := s.db.QueryRowContext(ctx, `
		SELECT alliance_id, user_id, applied_at FROM alliance_applications WHERE alliance_id = ? AND user_id = ?`,
		allianceID, userID)
	if err := row.Scan(&a.AllianceID, &a.UserID, &a.AppliedAt); err != nil {
		if err == sql.ErrNoRows {
			return types.AllianceApplication{}, false, nil
		}
		return types.AllianceApplication{}, false, fmt.Errorf("loading application %d/%d: %w", allianceID, userID, err)
	}
	return a, true, nil
}

// ListApplications loads every pending join request against an alliance.
func (s *Store) ListApplications(ctx context.Context, allianceID int64) ([]types.AllianceApplication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alliance_id, user_id, applied_at FROM alliance_applications WHERE alliance_id = ?`, allianceID)
	if err != nil {
		return nil, fmt.Errorf("listing applications for %d: %w", allianceID, err)
	}
	defer rows.Close()

	var out []types.AllianceApplication
	for rows.Next() {
		var a types.AllianceApplication
		if err := rows.Scan(&a.AllianceID, &a.UserID, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning application row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RemoveApplication deletes a pending join request, on accept, reject,
// leave, or kick.
func (s *Store) RemoveApplication(ctx context.Context, allianceID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alliance_applications WHERE alliance_id = ? AND user_id = ?`, allianceID, userID)
	return err
}

// ListAllianceMembers loads all membership rows for an alliance.
func (s *Store) ListAllianceMembers(ctx context.Context, allianceID int64) ([]types.AllianceMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alliance_id, user_id, role, joined_at FROM alliance_members WHERE alliance_id = ?`, allianceID)
	if err != nil {
		return nil, fmt.Errorf("listing members for alliance %d: %w", allianceID, err)
	}
	defer rows.Close()

	var out []types.AllianceMember
	for rows.Next() {
		var m types.AllianceMember
		if err := rows.Scan(&m.AllianceID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scanning alliance member row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertAllianceMember writes one membership row (join, role change).
func (s *Store) UpsertAllianceMember(ctx context.Context, m types.AllianceMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning membership upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alliance_members (alliance_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(alliance_id, user_id) DO UPDATE SET role=excluded.role`,
		m.AllianceID, m.UserID, m.Role, m.JoinedAt); err != nil {
		return fmt.Errorf("upserting membership for %d in %d: %w", m.UserID, m.AllianceID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET alliance_id = ? WHERE user_id = ?`, m.AllianceID, m.UserID); err != nil {
		return fmt.Errorf("setting alliance_id for %d: %w", m.UserID, err)
	}
	return tx.Commit()
}

// RemoveAllianceMember deletes a membership row and clears the user's
// alliance_id.
func (s *Store) RemoveAllianceMember(ctx context.Context, allianceID, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning membership removal: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM alliance_members WHERE alliance_id = ? AND user_id = ?`, allianceID, userID); err != nil {
		return fmt.Errorf("removing membership for %d in %d: %w", userID, allianceID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET alliance_id = 0 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clearing alliance_id for %d: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alliance_applications WHERE alliance_id = ? AND user_id = ?`, allianceID, userID); err != nil {
		return fmt.Errorf("clearing application for %d in %d: %w", userID, allianceID, err)
	}
	return tx.Commit()
}

// ListShopSlots loads a user's current shop rotation.
func (s *Store) ListShopSlots(ctx context.Context, userID int64) ([]types.ShopSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, slot_idx, item_idx, price, currency, purchased, expires_at
		FROM shop_slots WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing shop slots for %d: %w", userID, err)
	}
	defer rows.Close()

	var out []types.ShopSlot
	for rows.Next() {
		var sl types.ShopSlot
		if err := rows.Scan(&sl.UserID, &sl.SlotIdx, &sl.ItemIdx, &sl.Price, &sl.Currency, &sl.Purchased, &sl.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning shop slot row: %w", err)
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// UpsertShopSlot writes one shop slot row.
func (s *Store) UpsertShopSlot(ctx context.Context, sl types.ShopSlot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shop_slots (user_id, slot_idx, item_idx, price, currency, purchased, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, slot_idx) DO UPDATE SET item_idx=excluded.item_idx,
			price=excluded.price, currency=excluded.currency, purchased=excluded.purchased,
			expires_at=excluded.expires_at`,
		sl.UserID, sl.SlotIdx, sl.ItemIdx, sl.Price, sl.Currency, sl.Purchased, sl.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upserting shop slot %d for %d: %w", sl.SlotIdx, sl.UserID, err)
	}
	return nil
}

// UpsertTask durably records a timed-task queue entry so it survives a
// server restart — the in-memory gamequeue.Queue is rebuilt from this
// table at startup (cmd/gameserver's ListTasks + Restore).
func (s *Store) UpsertTask(ctx context.Context, t types.Task) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling task metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (class, user_id, task_id, sub_id, end_at, attempts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(class, user_id, task_id, sub_id) DO UPDATE SET
			end_at=excluded.end_at, attempts=excluded.attempts, metadata=excluded.metadata`,
		string(t.Class), t.UserID, t.TaskID, t.SubID, t.EndAt, t.Attempts, string(metadata))
	if err != nil {
		return fmt.Errorf("upserting task %s/%d/%s: %w", t.Class, t.UserID, t.TaskID, err)
	}
	return nil
}

// DeleteTask removes a durable task record once it completes or is
// cancelled.
func (s *Store) DeleteTask(ctx context.Context, class types.TaskClass, userID int64, taskID, subID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE class = ? AND user_id = ? AND task_id = ? AND sub_id = ?`,
		string(class), userID, taskID, subID)
	return err
}

// ListTasks loads every durable task record, for rebuilding the in-memory
// queue at startup.
func (s *Store) ListTasks(ctx context.Context) ([]types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT class, user_id, task_id, sub_id, end_at, attempts, metadata FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		var t types.Task
		var class, metadata string
		if err := rows.Scan(&class, &t.UserID, &t.TaskID, &t.SubID, &t.EndAt, &t.Attempts, &metadata); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		t.Class = types.TaskClass(class)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling task metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
