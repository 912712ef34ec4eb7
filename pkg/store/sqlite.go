package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/statebus/statebus.go/pkg/constants"
	"github.com/statebus/statebus.go/pkg/state"
)

// SQLiteStore implements Store on a local SQLite database. Entities live in
// separate indexed tables so incremental writes and partial reads do not
// deserialize the whole state.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables
// WAL mode, and runs any pending schema migrations. A database reporting a
// schema version newer than this build is rebuilt from scratch: version
// mismatch means "no cached state", never a hard failure.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// WAL for concurrent readers across client instances.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	if currentVersion > schemaVersion {
		if err := s.rebuildSchema(); err != nil {
			return fmt.Errorf("rebuilding schema after version mismatch: %w", err)
		}
		currentVersion = 0
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func (s *SQLiteStore) rebuildSchema() error {
	for _, table := range []string{"schema_version", "users", "sessions", "notifications", "meta"} {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	return nil
}

// Available reports true: SQLite-backed state survives a reload.
func (s *SQLiteStore) Available() bool { return true }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type userRow struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	AvatarURL string    `db:"avatar_url"`
	UpdatedAt time.Time `db:"updated_at"`
}

type sessionRow struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	CreatedAt      time.Time `db:"created_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	LastActivityAt time.Time `db:"last_activity_at"`
	Device         string    `db:"device"`
}

type notificationRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	Title     string    `db:"title"`
	Message   string    `db:"message"`
	Read      bool      `db:"read"`
	Dismissed bool      `db:"dismissed"`
	CreatedAt time.Time `db:"created_at"`
	Metadata  string    `db:"metadata"`
}

func (r notificationRow) toNotification() (state.Notification, error) {
	n := state.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Type:      state.NotificationType(r.Type),
		Title:     r.Title,
		Message:   r.Message,
		Read:      r.Read,
		Dismissed: r.Dismissed,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &n.Metadata); err != nil {
			return n, fmt.Errorf("decoding notification %s metadata: %w", r.ID, err)
		}
	}
	return n, nil
}

func metadataJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding notification metadata: %w", err)
	}
	return string(b), nil
}

// GetState reads the full cached state in one transaction.
func (s *SQLiteStore) GetState(ctx context.Context) (state.ApplicationState, error) {
	st := state.New()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	var lastSynced time.Time
	err = tx.GetContext(ctx, &lastSynced, "SELECT last_synced_at FROM meta WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return st, constants.ErrNoCachedState
	}
	if err != nil {
		return st, fmt.Errorf("reading sync metadata: %w", err)
	}
	st.LastSyncedAt = lastSynced.UTC()

	var users []userRow
	if err := tx.SelectContext(ctx, &users, "SELECT * FROM users LIMIT 1"); err != nil {
		return st, fmt.Errorf("reading user: %w", err)
	}
	if len(users) > 0 {
		r := users[0]
		st.User = &state.User{
			ID:        r.ID,
			Email:     r.Email,
			Name:      r.Name,
			AvatarURL: r.AvatarURL,
			UpdatedAt: r.UpdatedAt.UTC(),
		}
	}

	var sessions []sessionRow
	if err := tx.SelectContext(ctx, &sessions, "SELECT * FROM sessions"); err != nil {
		return st, fmt.Errorf("reading sessions: %w", err)
	}
	for _, r := range sessions {
		st.Sessions[r.ID] = state.Session{
			ID:             r.ID,
			UserID:         r.UserID,
			CreatedAt:      r.CreatedAt.UTC(),
			ExpiresAt:      r.ExpiresAt.UTC(),
			LastActivityAt: r.LastActivityAt.UTC(),
			Device:         r.Device,
		}
	}

	var notifications []notificationRow
	if err := tx.SelectContext(ctx, &notifications, "SELECT * FROM notifications"); err != nil {
		return st, fmt.Errorf("reading notifications: %w", err)
	}
	for _, r := range notifications {
		n, err := r.toNotification()
		if err != nil {
			return st, err
		}
		st.Notifications[n.ID] = n
	}

	return st, nil
}

// SetState clears and rewrites every collection plus the sync metadata in a
// single transaction.
func (s *SQLiteStore) SetState(ctx context.Context, st state.ApplicationState) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"users", "sessions", "notifications"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if st.User != nil {
		if err := insertUser(ctx, tx, *st.User); err != nil {
			return err
		}
	}
	for _, sess := range st.Sessions {
		if err := insertSession(ctx, tx, sess); err != nil {
			return err
		}
	}
	for _, n := range st.Notifications {
		if err := insertNotification(ctx, tx, n); err != nil {
			return err
		}
	}

	if err := writeLastSyncedAt(ctx, tx, st.LastSyncedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing state write: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, e execer, u state.User) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		u.ID, u.Email, u.Name, u.AvatarURL, u.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing user %s: %w", u.ID, err)
	}
	return nil
}

func insertSession(ctx context.Context, e execer, sess state.Session) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at, last_activity_at, device)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_activity_at = excluded.last_activity_at,
			device = excluded.device`,
		sess.ID, sess.UserID, sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(),
		sess.LastActivityAt.UTC(), sess.Device,
	)
	if err != nil {
		return fmt.Errorf("writing session %s: %w", sess.ID, err)
	}
	return nil
}

func insertNotification(ctx context.Context, e execer, n state.Notification) error {
	meta, err := metadataJSON(n.Metadata)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, read, dismissed, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			type = excluded.type,
			title = excluded.title,
			message = excluded.message,
			read = excluded.read,
			dismissed = excluded.dismissed,
			created_at = excluded.created_at,
			metadata = excluded.metadata`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.Read, n.Dismissed,
		n.CreatedAt.UTC(), meta,
	)
	if err != nil {
		return fmt.Errorf("writing notification %s: %w", n.ID, err)
	}
	return nil
}

func writeLastSyncedAt(ctx context.Context, e execer, t time.Time) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO meta (id, last_synced_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing sync metadata: %w", err)
	}
	return nil
}

// UpsertUser replaces the single live user row.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u state.User) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// At most one live user row.
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id != ?", u.ID); err != nil {
		return fmt.Errorf("clearing stale user rows: %w", err)
	}
	if err := insertUser(ctx, tx, u); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess state.Session) error {
	return insertSession(ctx, s.db, sess)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) UpsertNotification(ctx context.Context, n state.Notification) error {
	return insertNotification(ctx, s.db, n)
}

func (s *SQLiteStore) DeleteNotification(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notifications WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting notification %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SetLastSyncedAt(ctx context.Context, t time.Time) error {
	return writeLastSyncedAt(ctx, s.db, t)
}

// Clear removes all cached state including sync metadata, leaving the
// schema in place.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"users", "sessions", "notifications", "meta"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}
