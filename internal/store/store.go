// Package store implements the persistence layer named in the external
// interfaces: sessions, their questions, respondents and raw answers, and
// opaque per-visualization snapshot blobs. Grounded on the teacher's
// embedded-migration SQLite store.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pollviz/pollviz/internal/lattice"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence layer for sessions and their
// derived visualization snapshots.
type Store struct {
	db *sql.DB
}

// DB returns the underlying connection, for admin tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Open brings up a sqlite database at dsn, enabling WAL and foreign keys,
// and applies any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// SessionRow is one persisted session.
type SessionRow struct {
	ID            string
	Slug          string
	Description   string
	SessionConfig lattice.SessionConfig
	IsOpen        bool
	CreatedAt     time.Time
}

// CreateSession persists a new session, its question order, within a
// single transaction.
func (s *Store) CreateSession(id, slug, description string, cfg lattice.SessionConfig) (*SessionRow, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal session config: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.Exec(
		"INSERT INTO sessions (id, slug, description, session_config, is_open, created_at) VALUES (?, ?, ?, ?, 1, ?)",
		id, slug, description, string(cfgJSON), now.Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	for i, q := range cfg.QuestionOrder {
		_, err = tx.Exec(
			"INSERT INTO poll_questions (session_id, var_name, battery_name, sub_battery, ordering_index) VALUES (?, ?, ?, ?, ?)",
			id, q.VarName, q.BatteryName, q.SubBattery, i,
		)
		if err != nil {
			return nil, fmt.Errorf("insert poll question %s: %w", q, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &SessionRow{ID: id, Slug: slug, Description: description, SessionConfig: cfg, IsOpen: true, CreatedAt: now}, nil
}

func scanSession(row interface {
	Scan(dest ...any) error
}) (*SessionRow, error) {
	var r SessionRow
	var cfgJSON string
	var isOpen int
	var createdAt time.Time
	err := row.Scan(&r.ID, &r.Slug, &r.Description, &cfgJSON, &isOpen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &r.SessionConfig); err != nil {
		return nil, fmt.Errorf("unmarshal session config: %w", err)
	}
	r.IsOpen = isOpen != 0
	r.CreatedAt = createdAt
	return &r, nil
}

// GetSessionByID returns a session, or nil if none exists.
func (s *Store) GetSessionByID(id string) (*SessionRow, error) {
	row := s.db.QueryRow(
		"SELECT id, slug, description, session_config, is_open, created_at FROM sessions WHERE id = ?", id,
	)
	return scanSession(row)
}

// GetSessionBySlug returns a session, or nil if none exists.
func (s *Store) GetSessionBySlug(slug string) (*SessionRow, error) {
	row := s.db.QueryRow(
		"SELECT id, slug, description, session_config, is_open, created_at FROM sessions WHERE slug = ?", slug,
	)
	return scanSession(row)
}

// ListSessions returns all sessions, optionally filtered by open status.
func (s *Store) ListSessions(isOpen *bool) ([]*SessionRow, error) {
	query := "SELECT id, slug, description, session_config, is_open, created_at FROM sessions"
	args := []any{}
	if isOpen != nil {
		query += " WHERE is_open = ?"
		if *isOpen {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetSessionOpen flips a session's open/closed status. It returns false
// if no such session exists.
func (s *Store) SetSessionOpen(id string, isOpen bool) (bool, error) {
	val := 0
	if isOpen {
		val = 1
	}
	res, err := s.db.Exec("UPDATE sessions SET is_open = ? WHERE id = ?", val, id)
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteSession removes a session; foreign keys cascade to its questions,
// respondents, responses, and visualization snapshots.
func (s *Store) DeleteSession(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertRespondent persists one respondent and every answer it submitted,
// regardless of whether those answers will move any statistic — the
// persisted/partial distinction is the statistics engine's concern, not
// the store's.
func (s *Store) InsertRespondent(respondentID, sessionID string, answers []lattice.Answer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT INTO respondents (id, session_id) VALUES (?, ?)", respondentID, sessionID); err != nil {
		return fmt.Errorf("insert respondent: %w", err)
	}

	for _, a := range answers {
		var resp any
		if a.ResponseIndex != nil {
			resp = *a.ResponseIndex
		}
		_, err := tx.Exec(
			"INSERT INTO responses (respondent_id, var_name, battery_name, sub_battery, response) VALUES (?, ?, ?, ?, ?)",
			respondentID, a.Question.VarName, a.Question.BatteryName, a.Question.SubBattery, resp,
		)
		if err != nil {
			return fmt.Errorf("insert response for %s: %w", a.Question, err)
		}
	}

	return tx.Commit()
}

// VisualizationSnapshot is the opaque, last-writer-wins persisted blob for
// one session's visualization.
type VisualizationSnapshot struct {
	SessionID         string
	VisualizationID   string
	BasisSplitIndices string // JSON
	Splits            string // JSON
	LookupMaps        string // JSON
	ComputedAt        time.Time
}

// SaveVisualizationSnapshot upserts the snapshot, last-writer-wins on
// computedAt as specified: a stale write (an older computedAt arriving
// after a newer one) is accepted as a no-op rather than overwriting.
func (s *Store) SaveVisualizationSnapshot(snap VisualizationSnapshot) error {
	res, err := s.db.Exec(
		`INSERT INTO session_visualizations (session_id, visualization_id, basis_split_indices, splits, lookup_maps, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, visualization_id) DO UPDATE SET
		   basis_split_indices = excluded.basis_split_indices,
		   splits = excluded.splits,
		   lookup_maps = excluded.lookup_maps,
		   computed_at = excluded.computed_at
		 WHERE excluded.computed_at >= session_visualizations.computed_at`,
		snap.SessionID, snap.VisualizationID, snap.BasisSplitIndices, snap.Splits, snap.LookupMaps,
		snap.ComputedAt.UTC().Format("2006-01-02 15:04:05.000000"),
	)
	if err != nil {
		return fmt.Errorf("save visualization snapshot: %w", err)
	}
	_, err = res.RowsAffected()
	return err
}

// LoadVisualizationSnapshot returns the persisted snapshot, or nil if
// none has been computed yet.
func (s *Store) LoadVisualizationSnapshot(sessionID, visualizationID string) (*VisualizationSnapshot, error) {
	row := s.db.QueryRow(
		"SELECT session_id, visualization_id, basis_split_indices, splits, lookup_maps, computed_at FROM session_visualizations WHERE session_id = ? AND visualization_id = ?",
		sessionID, visualizationID,
	)
	var snap VisualizationSnapshot
	err := row.Scan(&snap.SessionID, &snap.VisualizationID, &snap.BasisSplitIndices, &snap.Splits, &snap.LookupMaps, &snap.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load visualization snapshot: %w", err)
	}
	return &snap, nil
}
