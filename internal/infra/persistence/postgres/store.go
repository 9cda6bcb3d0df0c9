// Package postgres provides the Postgres warehouse backend. Table replacement
// streams rows with COPY inside a single transaction.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"prwpanel/internal/warehouse"
)

// Compile-time contract assertion ensuring the store satisfies the warehouse interface.
var _ warehouse.Store = (*Store)(nil)

const defaultDSN = "postgres://localhost/prw?sslmode=disable"

// conn is the subset of *pgxpool.Pool used by the store.
type conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var (
	poolOpen = func(ctx context.Context, cfg *pgxpool.Config) (conn, error) {
		return pgxpool.NewWithConfig(ctx, cfg)
	}
	openMu sync.Mutex
)

// Store is a Postgres-backed warehouse.
type Store struct {
	pool conn
}

// NewStore connects to the database named by dsn (falls back to defaultDSN).
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %s", warehouse.ErrConnect, warehouse.RedactDSN(err.Error()))
	}
	cfg.MaxConns = 4
	openMu.Lock()
	pool, err := poolOpen(ctx, cfg)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %s", warehouse.ErrConnect, warehouse.RedactDSN(err.Error()))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %s", warehouse.ErrConnect, warehouse.RedactDSN(err.Error()))
	}
	return &Store{pool: pool}, nil
}

// Dialect reports the SQL dialect of the store.
func (s *Store) Dialect() warehouse.Dialect { return warehouse.DialectPostgres }

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the warehouse tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range warehouse.Schema(warehouse.DialectPostgres) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// truncate empties tables and resets their identity sequences.
func truncate(ctx context.Context, tx pgx.Tx, tables ...string) error {
	if _, err := tx.Exec(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY"); err != nil {
		return fmt.Errorf("clear %s: %w", strings.Join(tables, ", "), err)
	}
	return nil
}

// ReplaceTables truncates both data tables and copies t in, in one transaction.
func (s *Store) ReplaceTables(ctx context.Context, t warehouse.Tables) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := truncate(ctx, tx, warehouse.DeleteOrder...); err != nil {
			return err
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{warehouse.TablePatients}, warehouse.PatientColumns, pgx.CopyFromRows(patientRows(t.Patients)))
		if err != nil {
			return fmt.Errorf("copy patients: %w", err)
		}
		if int(n) != len(t.Patients) {
			return fmt.Errorf("copy patients: wrote %d of %d rows", n, len(t.Patients))
		}
		n, err = tx.CopyFrom(ctx, pgx.Identifier{warehouse.TableEncounters}, warehouse.EncounterColumns, pgx.CopyFromRows(encounterRows(t.Encounters)))
		if err != nil {
			return fmt.Errorf("copy encounters: %w", err)
		}
		if int(n) != len(t.Encounters) {
			return fmt.Errorf("copy encounters: wrote %d of %d rows", n, len(t.Encounters))
		}
		return nil
	})
}

// RecordMetadata replaces meta and sources_meta in one transaction.
func (s *Store) RecordMetadata(ctx context.Context, meta warehouse.Meta, sources []warehouse.SourcesMeta) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := truncate(ctx, tx, warehouse.TableMeta, warehouse.TableSourcesMeta); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO meta (modified) VALUES ($1)`, meta.Modified.UTC()); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}
		for _, src := range sources {
			if _, err := tx.Exec(ctx, `INSERT INTO sources_meta (filename, modified) VALUES ($1, $2)`, src.Filename, src.Modified.UTC()); err != nil {
				return fmt.Errorf("insert sources_meta %s: %w", src.Filename, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (retErr error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func patientRows(patients []warehouse.Patient) [][]any {
	rows := make([][]any, 0, len(patients))
	for _, p := range patients {
		rows = append(rows, []any{
			p.MRN, text(p.Name), p.Sex, date(p.DOB),
			text(p.Address), text(p.City), text(p.State), text(p.ZIP),
			text(p.Phone), text(p.Email), text(p.PCP),
		})
	}
	return rows
}

func encounterRows(encounters []warehouse.Encounter) [][]any {
	rows := make([][]any, 0, len(encounters))
	for _, e := range encounters {
		encTime := pgtype.Time{}
		if e.EncounterTime != nil {
			encTime = clock(*e.EncounterTime)
		}
		withPCP := pgtype.Bool{}
		if e.WithPCP != nil {
			withPCP = pgtype.Bool{Bool: *e.WithPCP, Valid: true}
		}
		rows = append(rows, []any{
			e.MRN, e.Location, e.Dept, date(e.EncounterDate), encTime, e.EncounterType,
			text(e.ServiceProvider), withPCP, text(e.ApptStatus), text(e.Diagnoses), text(e.LevelOfService),
		})
	}
	return rows
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func date(d civil.Date) pgtype.Date {
	return pgtype.Date{Time: d.In(time.UTC), Valid: true}
}

func clock(t civil.Time) pgtype.Time {
	us := int64(t.Hour)*int64(time.Hour/time.Microsecond) +
		int64(t.Minute)*int64(time.Minute/time.Microsecond) +
		int64(t.Second)*int64(time.Second/time.Microsecond) +
		int64(t.Nanosecond)/int64(time.Microsecond)
	return pgtype.Time{Microseconds: us, Valid: true}
}

func civilClock(t pgtype.Time) *civil.Time {
	if !t.Valid {
		return nil
	}
	d := time.Duration(t.Microseconds) * time.Microsecond
	c := civil.Time{
		Hour:       int(d / time.Hour),
		Minute:     int(d % time.Hour / time.Minute),
		Second:     int(d % time.Minute / time.Second),
		Nanosecond: int(d % time.Second),
	}
	return &c
}

// Modified returns max(meta.modified).
func (s *Store) Modified(ctx context.Context) (time.Time, error) {
	var ts pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `SELECT max(modified) FROM meta`).Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("select max(modified): %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time.UTC(), nil
}

// Sources reads sources_meta ordered by id.
func (s *Store) Sources(ctx context.Context) ([]warehouse.SourcesMeta, error) {
	rows, err := s.pool.Query(ctx, `SELECT filename, modified FROM sources_meta ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select sources_meta: %w", err)
	}
	defer rows.Close()
	var out []warehouse.SourcesMeta
	for rows.Next() {
		var (
			src warehouse.SourcesMeta
			ts  pgtype.Timestamptz
		)
		if err := rows.Scan(&src.Filename, &ts); err != nil {
			return nil, fmt.Errorf("scan sources_meta: %w", err)
		}
		src.Modified = ts.Time.UTC()
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources_meta: %w", err)
	}
	return out, nil
}

// Patients reads the patients table ordered by prw_id.
func (s *Store) Patients(ctx context.Context) ([]warehouse.Patient, error) {
	rows, err := s.pool.Query(ctx, `SELECT prw_id, mrn, name, sex, dob, address, city, state, zip, phone, email, pcp FROM patients ORDER BY prw_id`)
	if err != nil {
		return nil, fmt.Errorf("select patients: %w", err)
	}
	defer rows.Close()
	var out []warehouse.Patient
	for rows.Next() {
		var (
			p                                                  warehouse.Patient
			dob                                                pgtype.Date
			name, address, city, state, zip, phone, email, pcp pgtype.Text
		)
		if err := rows.Scan(&p.ID, &p.MRN, &name, &p.Sex, &dob, &address, &city, &state, &zip, &phone, &email, &pcp); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		p.DOB = civil.DateOf(dob.Time)
		p.Name, p.Address, p.City, p.State = name.String, address.String, city.String, state.String
		p.ZIP, p.Phone, p.Email, p.PCP = zip.String, phone.String, email.String, pcp.String
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patients: %w", err)
	}
	return out, nil
}

// Encounters reads the encounters table ordered by id.
func (s *Store) Encounters(ctx context.Context) ([]warehouse.Encounter, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, mrn, location, dept, encounter_date, encounter_time, encounter_type,
		service_provider, with_pcp, appt_status, diagnoses, level_of_service FROM encounters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select encounters: %w", err)
	}
	defer rows.Close()
	var out []warehouse.Encounter
	for rows.Next() {
		var (
			e                         warehouse.Encounter
			date                      pgtype.Date
			encTime                   pgtype.Time
			withPCP                   pgtype.Bool
			provider, appt, dx, level pgtype.Text
		)
		if err := rows.Scan(&e.ID, &e.MRN, &e.Location, &e.Dept, &date, &encTime, &e.EncounterType,
			&provider, &withPCP, &appt, &dx, &level); err != nil {
			return nil, fmt.Errorf("scan encounter: %w", err)
		}
		e.EncounterDate = civil.DateOf(date.Time)
		e.EncounterTime = civilClock(encTime)
		if withPCP.Valid {
			b := withPCP.Bool
			e.WithPCP = &b
		}
		e.ServiceProvider, e.ApptStatus, e.Diagnoses, e.LevelOfService = provider.String, appt.String, dx.String, level.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate encounters: %w", err)
	}
	return out, nil
}

// overrideOpen swaps the pool constructor for tests. The returned func restores it.
func overrideOpen(fn func(ctx context.Context, cfg *pgxpool.Config) (conn, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := poolOpen
	poolOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		poolOpen = prev
	}
}
