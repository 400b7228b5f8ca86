package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Store wraps SQLite-backed persistence for runs, masters and reductions.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            night TEXT,
            status TEXT NOT NULL,
            options_json TEXT,
            created_at TEXT NOT NULL,
            started_at TEXT,
            completed_at TEXT,
            masters INTEGER DEFAULT 0,
            reduced INTEGER DEFAULT 0,
            logged INTEGER DEFAULT 0,
            error_count INTEGER DEFAULT 0,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_errors (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            subject TEXT,
            message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS reductions (
            reduced_path TEXT PRIMARY KEY,
            raw_path TEXT NOT NULL,
            night TEXT NOT NULL,
            bias_master TEXT,
            bias_age INTEGER,
            dark_master TEXT,
            dark_age INTEGER,
            flat_master TEXT,
            flat_age INTEGER,
            updated_at TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS masters (
            path TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            binning TEXT NOT NULL,
            filter TEXT,
            cluster INTEGER NOT NULL,
            night TEXT NOT NULL,
            sources INTEGER NOT NULL,
            created TEXT NOT NULL,
            updated_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_errors_run_id ON run_errors(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_reductions_night ON reductions(night);`,
		`CREATE INDEX IF NOT EXISTS idx_masters_night ON masters(night);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted night or pending run.
type RunRecord struct {
	ID          string
	Kind        string
	Night       string
	Status      string
	OptionsJSON string
	Counts      RunCounts
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunCounts are the totals of a finished run.
type RunCounts struct {
	Masters    int
	Reduced    int
	Logged     int
	ErrorCount int
}

// RunError is one isolated failure of a run.
type RunError struct {
	Kind    string
	Subject string
	Message string
}

// ReductionRecord is the latest reduction of a light frame.
type ReductionRecord struct {
	ReducedPath string
	RawPath     string
	Night       string
	BiasMaster  string
	BiasAge     int
	DarkMaster  string
	DarkAge     int
	FlatMaster  string
	FlatAge     int
	UpdatedAt   time.Time
}

// MasterRecord describes a built master frame.
type MasterRecord struct {
	Path    string
	Type    string
	Binning string
	Filter  string
	Cluster int
	Night   string
	Sources int
	Created time.Time
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// RecordRunQueued inserts a queued run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, kind, night, status, options_json, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Night, rec.Status, rec.OptionsJSON, now())
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=? WHERE id=?;`, now(), id)
	return err
}

// RecordRunResult finalizes a run with its status, totals and failures.
func (s *Store) RecordRunResult(id string, status string, counts RunCounts, errs []RunError, errMsg string) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE runs SET status=?, completed_at=?, masters=?, reduced=?, logged=?, error_count=?, error_message=? WHERE id=?;`,
		status, now(), counts.Masters, counts.Reduced, counts.Logged, counts.ErrorCount, errMsg, id); err != nil {
		return err
	}
	for _, e := range errs {
		if _, err := tx.Exec(`INSERT INTO run_errors (run_id, kind, subject, message) VALUES (?, ?, ?, ?);`, id, e.Kind, e.Subject, e.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, night, status, options_json, created_at, started_at, completed_at, masters, reduced, logged, error_count, error_message FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var (
			rec                 RunRecord
			night, opts, errMsg sql.NullString
			created             string
			started, completed  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &night, &rec.Status, &opts, &created, &started, &completed,
			&rec.Counts.Masters, &rec.Counts.Reduced, &rec.Counts.Logged, &rec.Counts.ErrorCount, &errMsg); err != nil {
			return nil, err
		}
		rec.Night = night.String
		rec.OptionsJSON = opts.String
		rec.Error = errMsg.String
		if t := parseTime(sql.NullString{String: created, Valid: true}); t != nil {
			rec.CreatedAt = *t
		}
		rec.StartedAt = parseTime(started)
		rec.CompletedAt = parseTime(completed)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunErrors returns the failures recorded for a run.
func (s *Store) RunErrors(id string) ([]RunError, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT kind, subject, message FROM run_errors WHERE run_id=? ORDER BY id;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunError
	for rows.Next() {
		var e RunError
		if err := rows.Scan(&e.Kind, &e.Subject, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordReduction stores the latest reduction of a frame, replacing older ones.
func (s *Store) RecordReduction(rec ReductionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO reductions (reduced_path, raw_path, night, bias_master, bias_age, dark_master, dark_age, flat_master, flat_age, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ReducedPath, rec.RawPath, rec.Night, rec.BiasMaster, rec.BiasAge, rec.DarkMaster, rec.DarkAge, rec.FlatMaster, rec.FlatAge, now())
	return err
}

// Reductions lists the reductions of a night, or of all nights when night is
// empty.
func (s *Store) Reductions(night string) ([]ReductionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT reduced_path, raw_path, night, bias_master, bias_age, dark_master, dark_age, flat_master, flat_age, updated_at
        FROM reductions WHERE ? = '' OR night = ? ORDER BY reduced_path;`, night, night)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReductionRecord
	for rows.Next() {
		var (
			rec     ReductionRecord
			updated string
		)
		if err := rows.Scan(&rec.ReducedPath, &rec.RawPath, &rec.Night, &rec.BiasMaster, &rec.BiasAge, &rec.DarkMaster, &rec.DarkAge, &rec.FlatMaster, &rec.FlatAge, &updated); err != nil {
			return nil, err
		}
		if t := parseTime(sql.NullString{String: updated, Valid: true}); t != nil {
			rec.UpdatedAt = *t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordMaster stores a built master frame.
func (s *Store) RecordMaster(rec MasterRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO masters (path, type, binning, filter, cluster, night, sources, created, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Path, rec.Type, rec.Binning, rec.Filter, rec.Cluster, rec.Night, rec.Sources, rec.Created.UTC().Format(timeLayout), now())
	return err
}

// Masters lists the masters recorded for a night.
func (s *Store) Masters(night string) ([]MasterRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT path, type, binning, filter, cluster, night, sources, created FROM masters WHERE night = ? ORDER BY path;`, night)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MasterRecord
	for rows.Next() {
		var (
			rec     MasterRecord
			created string
		)
		if err := rows.Scan(&rec.Path, &rec.Type, &rec.Binning, &rec.Filter, &rec.Cluster, &rec.Night, &rec.Sources, &created); err != nil {
			return nil, err
		}
		if t := parseTime(sql.NullString{String: created, Valid: true}); t != nil {
			rec.Created = *t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
