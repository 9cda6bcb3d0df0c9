// Package sqlite implements the warehouse on an embedded SQLite database,
// either file-backed (ingest target) or in memory (dashboard snapshot).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"prwpanel/internal/warehouse"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const (
	driverName  = "sqlite"
	memoryPath  = ":memory:"
	openPragmas = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
)

// Compile-time contract assertion.
var _ warehouse.Store = (*Store)(nil)

// Store is a SQLite-backed warehouse.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "prw.sqlite3"
	}
	if path == memoryPath {
		return OpenMemory(ctx)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: create dirs: %v", warehouse.ErrConnect, err)
		}
	}
	db, err := sql.Open(driverName, path+openPragmas)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", warehouse.ErrConnect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", warehouse.ErrConnect, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory returns an empty in-memory store. The pool is pinned to a single
// connection so every statement sees the same database.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open(driverName, memoryPath+openPragmas)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite memory: %v", warehouse.ErrConnect, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite memory: %v", warehouse.ErrConnect, err)
	}
	return &Store{db: db}, nil
}

// Dialect reports the SQL dialect of the store.
func (s *Store) Dialect() warehouse.Dialect { return warehouse.DialectSQLite }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }


// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the warehouse tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range warehouse.Schema(warehouse.DialectSQLite) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// ReplaceTables swaps the patients and encounters contents in one transaction.
func (s *Store) ReplaceTables(ctx context.Context, t warehouse.Tables) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range warehouse.DeleteOrder {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if err := insertPatients(ctx, tx, t.Patients); err != nil {
			return err
		}
		return insertEncounters(ctx, tx, t.Encounters)
	})
}

// RecordMetadata replaces meta and sources_meta in one transaction.
func (s *Store) RecordMetadata(ctx context.Context, meta warehouse.Meta, sources []warehouse.SourcesMeta) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{warehouse.TableMeta, warehouse.TableSourcesMeta} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta(modified) VALUES(?)`, formatTimestamp(meta.Modified)); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
		for _, src := range sources {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sources_meta(filename, modified) VALUES(?, ?)`, src.Filename, formatTimestamp(src.Modified)); err != nil {
				return fmt.Errorf("insert sources_meta %s: %w", src.Filename, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertPatients(ctx context.Context, tx *sql.Tx, patients []warehouse.Patient) error {
	stmt, err := tx.PrepareContext(ctx, insertSQL(warehouse.TablePatients, warehouse.PatientColumns))
	if err != nil {
		return fmt.Errorf("prepare patients insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, p := range patients {
		if _, err := stmt.ExecContext(ctx,
			p.MRN, nullString(p.Name), p.Sex, p.DOB.String(),
			nullString(p.Address), nullString(p.City), nullString(p.State), nullString(p.ZIP),
			nullString(p.Phone), nullString(p.Email), nullString(p.PCP),
		); err != nil {
			return fmt.Errorf("insert patient mrn=%d: %w", p.MRN, err)
		}
	}
	return nil
}

func insertEncounters(ctx context.Context, tx *sql.Tx, encounters []warehouse.Encounter) error {
	stmt, err := tx.PrepareContext(ctx, insertSQL(warehouse.TableEncounters, warehouse.EncounterColumns))
	if err != nil {
		return fmt.Errorf("prepare encounters insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for i, e := range encounters {
		var encTime, withPCP any
		if e.EncounterTime != nil {
			encTime = e.EncounterTime.String()
		}
		if e.WithPCP != nil {
			withPCP = boolToInt(*e.WithPCP)
		}
		if _, err := stmt.ExecContext(ctx,
			e.MRN, e.Location, e.Dept, e.EncounterDate.String(), encTime, e.EncounterType,
			nullString(e.ServiceProvider), withPCP, nullString(e.ApptStatus),
			nullString(e.Diagnoses), nullString(e.LevelOfService),
		); err != nil {
			return fmt.Errorf("insert encounter %d (mrn=%d): %w", i, e.MRN, err)
		}
	}
	return nil
}

func insertSQL(table string, columns []string) string {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",")
	return "INSERT INTO " + table + "(" + strings.Join(columns, ",") + ") VALUES(" + marks + ")"
}

// Modified returns max(meta.modified).
func (s *Store) Modified(ctx context.Context) (time.Time, error) {
	var raw any
	if err := s.db.QueryRowContext(ctx, `SELECT max(modified) FROM meta`).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("select max(modified): %w", err)
	}
	if raw == nil {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}

// Sources reads sources_meta ordered by id.
func (s *Store) Sources(ctx context.Context) ([]warehouse.SourcesMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename, modified FROM sources_meta ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select sources_meta: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []warehouse.SourcesMeta
	for rows.Next() {
		var (
			src warehouse.SourcesMeta
			raw any
		)
		if err := rows.Scan(&src.Filename, &raw); err != nil {
			return nil, fmt.Errorf("scan sources_meta: %w", err)
		}
		if src.Modified, err = parseTimestamp(raw); err != nil {
			return nil, fmt.Errorf("sources_meta %s: %w", src.Filename, err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources_meta: %w", err)
	}
	return out, nil
}

// Patients reads the patients table ordered by prw_id.
func (s *Store) Patients(ctx context.Context) ([]warehouse.Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prw_id, `+strings.Join(warehouse.PatientColumns, ", ")+` FROM patients ORDER BY prw_id`)
	if err != nil {
		return nil, fmt.Errorf("select patients: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []warehouse.Patient
	for rows.Next() {
		var (
			p                                                       warehouse.Patient
			dob                                                     any
			name, address, city, state, zip, phone, email, pcp, sex sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.MRN, &name, &sex, &dob, &address, &city, &state, &zip, &phone, &email, &pcp); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		if p.DOB, err = parseDate(dob); err != nil {
			return nil, fmt.Errorf("patient mrn=%d dob: %w", p.MRN, err)
		}
		p.Name, p.Sex, p.Address, p.City = name.String, sex.String, address.String, city.String
		p.State, p.ZIP, p.Phone, p.Email, p.PCP = state.String, zip.String, phone.String, email.String, pcp.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	return out, nil
}

// Encounters reads the encounters table ordered by id.
func (s *Store) Encounters(ctx context.Context) ([]warehouse.Encounter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, `+strings.Join(warehouse.EncounterColumns, ", ")+` FROM encounters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select encounters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []warehouse.Encounter
	for rows.Next() {
		var (
			e                                                  warehouse.Encounter
			date, encTime, withPCP                             any
			location, dept, encType, provider, appt, dx, level sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.MRN, &location, &dept, &date, &encTime, &encType, &provider, &withPCP, &appt, &dx, &level); err != nil {
			return nil, fmt.Errorf("scan encounter: %w", err)
		}
		if e.EncounterDate, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("encounter %d date: %w", e.ID, err)
		}
		if e.EncounterTime, err = parseClock(encTime); err != nil {
			return nil, fmt.Errorf("encounter %d time: %w", e.ID, err)
		}
		if e.WithPCP, err = parseBool(withPCP); err != nil {
			return nil, fmt.Errorf("encounter %d with_pcp: %w", e.ID, err)
		}
		e.Location, e.Dept, e.EncounterType = location.String, dept.String, encType.String
		e.ServiceProvider, e.ApptStatus, e.Diagnoses, e.LevelOfService = provider.String, appt.String, dx.String, level.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encounters: %w", err)
	}
	return out, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
