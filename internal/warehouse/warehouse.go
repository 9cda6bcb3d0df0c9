package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnect marks failures to open or reach the target database.
	ErrConnect = errors.New("warehouse: connection failed")
	// ErrUnsupportedDSN is returned for connection strings naming an unknown driver.
	ErrUnsupportedDSN = errors.New("warehouse: unsupported connection string")
)

// Writer replaces warehouse contents. Each call is atomic: either every
// affected table holds the new rows or none of them changed.
type Writer interface {
	// EnsureSchema creates missing tables. Existing tables are never altered.
	EnsureSchema(ctx context.Context) error
	// ReplaceTables deletes all patients/encounters and bulk inserts t.
	ReplaceTables(ctx context.Context, t Tables) error
	// RecordMetadata replaces meta with a single row and sources_meta with one row per file.
	RecordMetadata(ctx context.Context, meta Meta, sources []SourcesMeta) error
}

// Reader exposes typed full-table reads.
type Reader interface {
	// Modified returns max(meta.modified), or the zero time when meta is empty.
	Modified(ctx context.Context) (time.Time, error)
	Patients(ctx context.Context) ([]Patient, error)
	Encounters(ctx context.Context) ([]Encounter, error)
}

// SourcesReader is implemented by readers that can list sources_meta.
// Snapshot images built elsewhere may lack that table, so it is not part of Reader.
type SourcesReader interface {
	Sources(ctx context.Context) ([]SourcesMeta, error)
}

// Store is a warehouse backend that can be written and read.
type Store interface {
	Writer
	Reader
	SourcesReader
	Dialect() Dialect
	Close() error
}

// ReadDataset reads the as-of timestamp and both data tables from r.
func ReadDataset(ctx context.Context, r Reader) (*Dataset, error) {
	modified, err := r.Modified(ctx)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	patients, err := r.Patients(ctx)
	if err != nil {
		return nil, fmt.Errorf("read patients: %w", err)
	}
	encounters, err := r.Encounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("read encounters: %w", err)
	}
	return &Dataset{Modified: modified, Patients: patients, Encounters: encounters}, nil
}

// Replace runs the full write sequence used by an ingest run: schema, data
// tables, then metadata.
func Replace(ctx context.Context, w Writer, t Tables, meta Meta, sources []SourcesMeta) error {
	if err := w.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	if err := w.ReplaceTables(ctx, t); err != nil {
		return err
	}
	if err := w.RecordMetadata(ctx, meta, sources); err != nil {
		return err
	}
	return nil
}
