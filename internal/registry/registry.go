// Package registry persists room templates and registered members/keys
// that seed a room at creation time, plus a small admin audit log. It is
// deliberately not a home for live room state (spec.md's non-goal of
// persistence across restarts): once a room is running, its objects and
// fields live only in internal/room's in-memory maps.
package registry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRoomTemplateNotFound is returned when no template exists under a name.
var ErrRoomTemplateNotFound = errors.New("registry: room template not found")

// ErrMemberNotFound is returned when no member record exists for a key.
var ErrMemberNotFound = errors.New("registry: member not found")

// RoomTemplate is a named room configuration record. It stores only the
// name and creation time; no pre-created objects or field layouts.
type RoomTemplate struct {
	Name      string
	CreatedAt time.Time
}

// MemberRecord is the persisted counterpart of an admin "register member"
// call: a room id, member id, private key and initial access groups,
// seeded into the room at attach time and never consulted again once the
// room is running.
type MemberRecord struct {
	RoomID       uint64
	MemberID     uint16
	PrivateKey   [32]byte
	AccessGroups uint64
	RegisteredAt time.Time
}

// Registry persists relay bookkeeping in SQLite.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations, in the
// same Open/migrate shape as the teacher's internal/store.Store.
func Open(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("registry: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite database: %w", err)
	}

	r := &Registry{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("registry opened", "path", path)
	return r, nil
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("registry: enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS room_templates (
	name TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	room_id INTEGER NOT NULL,
	member_id INTEGER NOT NULL,
	private_key BLOB NOT NULL,
	access_groups INTEGER NOT NULL,
	registered_at DATETIME NOT NULL,
	PRIMARY KEY (room_id, member_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at DATETIME NOT NULL,
	action TEXT NOT NULL,
	room_id INTEGER NOT NULL,
	member_id INTEGER,
	details TEXT NOT NULL
);
`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

// PutRoomTemplate records a room template, creating it if absent.
func (r *Registry) PutRoomTemplate(ctx context.Context, name string) (RoomTemplate, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO room_templates (name, created_at) VALUES (?, ?)
		 ON CONFLICT(name) DO NOTHING`, name, now)
	if err != nil {
		return RoomTemplate{}, fmt.Errorf("registry: put room template %q: %w", name, err)
	}
	return r.RoomTemplate(ctx, name)
}

// RoomTemplate looks up a room template by name.
func (r *Registry) RoomTemplate(ctx context.Context, name string) (RoomTemplate, error) {
	var t RoomTemplate
	t.Name = name
	err := r.db.QueryRowContext(ctx,
		`SELECT created_at FROM room_templates WHERE name = ?`, name).Scan(&t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomTemplate{}, ErrRoomTemplateNotFound
	}
	if err != nil {
		return RoomTemplate{}, fmt.Errorf("registry: room template %q: %w", name, err)
	}
	return t, nil
}

// RegisterMember generates a fresh random private key and persists it with
// the initial access groups for (roomID, memberID), replacing any earlier
// record for the same pair.
func (r *Registry) RegisterMember(ctx context.Context, roomID uint64, memberID uint16, accessGroups uint64) (MemberRecord, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return MemberRecord{}, fmt.Errorf("registry: generate member key: %w", err)
	}
	rec := MemberRecord{
		RoomID:       roomID,
		MemberID:     memberID,
		PrivateKey:   key,
		AccessGroups: accessGroups,
		RegisteredAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO members (room_id, member_id, private_key, access_groups, registered_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, member_id) DO UPDATE SET
		   private_key = excluded.private_key,
		   access_groups = excluded.access_groups,
		   registered_at = excluded.registered_at`,
		roomID, memberID, rec.PrivateKey[:], accessGroups, rec.RegisteredAt)
	if err != nil {
		return MemberRecord{}, fmt.Errorf("registry: register member %d/%d: %w", roomID, memberID, err)
	}
	r.audit(ctx, "register_member", roomID, &memberID, fmt.Sprintf("access_groups=%d", accessGroups))
	return rec, nil
}

// Member looks up a previously registered member's private key and groups.
func (r *Registry) Member(ctx context.Context, roomID uint64, memberID uint16) (MemberRecord, error) {
	var rec MemberRecord
	rec.RoomID, rec.MemberID = roomID, memberID
	var key []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT private_key, access_groups, registered_at FROM members WHERE room_id = ? AND member_id = ?`,
		roomID, memberID).Scan(&key, &rec.AccessGroups, &rec.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MemberRecord{}, ErrMemberNotFound
	}
	if err != nil {
		return MemberRecord{}, fmt.Errorf("registry: member %d/%d: %w", roomID, memberID, err)
	}
	copy(rec.PrivateKey[:], key)
	return rec, nil
}

// Audit appends a row to the admin audit log.
func (r *Registry) Audit(ctx context.Context, action string, roomID uint64, memberID *uint16, details string) {
	r.audit(ctx, action, roomID, memberID, details)
}

func (r *Registry) audit(ctx context.Context, action string, roomID uint64, memberID *uint16, details string) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (at, action, room_id, member_id, details) VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC(), action, roomID, memberID, details)
	if err != nil {
		slog.Warn("registry: audit insert failed", "action", action, "room_id", roomID, "err", err)
	}
}
