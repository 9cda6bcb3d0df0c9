package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"prwpanel/internal/config"
	"prwpanel/internal/logging"
	"prwpanel/internal/warehouse"
)

// EncountersFile is the workbook expected in the input directory.
const EncountersFile = "encounters.xlsx"

// OpenFunc connects to a warehouse by connection string.
type OpenFunc func(ctx context.Context, dsn string) (warehouse.Store, error)

// Result summarizes a completed run.
type Result struct {
	RunID      string
	Patients   int
	Encounters int
	Modified   time.Time
	Sources    []warehouse.SourcesMeta
}

// Pipeline runs read → map → replace → record metadata.
type Pipeline struct {
	open OpenFunc
	log  logging.Logger
	now  func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) { p.log = logging.OrNoop(l) }
}

// WithClock overrides the clock used for meta.modified.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline constructs a pipeline writing through open.
func NewPipeline(open OpenFunc, opts ...Option) *Pipeline {
	p := &Pipeline{open: open, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckInputDir verifies the input directory and its encounters workbook
// exist, returning the workbook path.
func CheckInputDir(dir string) (string, error) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return "", fmt.Errorf("%w: data directory path does not exist: %s", config.ErrConfig, dir)
	}
	path := filepath.Join(dir, EncountersFile)
	st, err = os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", fmt.Errorf("%w: data file missing: %s", config.ErrConfig, path)
	}
	return path, nil
}

// Run ingests inputDir/encounters.xlsx into the warehouse named by dsn.
// Nothing is written unless the whole workbook maps cleanly.
func (p *Pipeline) Run(ctx context.Context, inputDir, dsn string) (*Result, error) {
	runID := uuid.NewString()
	log := p.log

	path, err := CheckInputDir(inputDir)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", config.ErrConfig, path, err)
	}
	sources := []warehouse.SourcesMeta{{Filename: filepath.Base(path), Modified: st.ModTime().UTC()}}
	log.Info("ingest starting", "run_id", runID, "input", path, "target", warehouse.RedactDSN(dsn))

	log.Info("reading workbook", "run_id", runID, "file", path)
	sheet, err := ReadWorkbook(path)
	if err != nil {
		return nil, err
	}
	tables, err := MapSheet(sheet)
	if err != nil {
		return nil, err
	}
	if missing := tables.CheckReferences(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: encounters reference unknown mrns %v", ErrParse, missing)
	}
	log.Debug("workbook mapped", "sheet", sheet.Name, "rows", len(sheet.Rows), "patients", len(tables.Patients), "encounters", len(tables.Encounters))

	store, err := p.open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn("close warehouse", "run_id", runID, "error", cerr)
		}
	}()

	modified := p.now().UTC()
	if err := warehouse.Replace(ctx, store, tables, warehouse.Meta{Modified: modified}, sources); err != nil {
		return nil, fmt.Errorf("write warehouse: %w", err)
	}
	log.Info("ingest complete", "run_id", runID, "patients", len(tables.Patients), "encounters", len(tables.Encounters), "modified", modified.Format(time.RFC3339))
	return &Result{
		RunID:      runID,
		Patients:   len(tables.Patients),
		Encounters: len(tables.Encounters),
		Modified:   modified,
		Sources:    sources,
	}, nil
}
