package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"prwpanel/internal/blob"
	"prwpanel/internal/infra/persistence/sqlite"
	"prwpanel/internal/logging"
	"prwpanel/internal/warehouse"
)

// Object metadata keys written by Publish.
const (
	MetaModified  = "prw-modified"
	MetaEncrypted = "prw-encrypted"
	MetaRun       = "prw-run"
)

// Publisher copies a warehouse into a snapshot object.
type Publisher struct {
	store  blob.Store
	key    string
	cipher Cipher
	log    logging.Logger
}

// NewPublisher writes snapshots to key in store, sealed with c.
func NewPublisher(store blob.Store, key string, c Cipher, log logging.Logger) *Publisher {
	return &Publisher{store: store, key: key, cipher: c, log: logging.OrNoop(log)}
}

// PublishResult describes an uploaded snapshot.
type PublishResult struct {
	RunID      string
	Object     blob.Info
	Modified   time.Time
	Patients   int
	Encounters int
	Sources    int
}

// Publish reads every table from src, rebuilds them in a fresh in-memory
// store with the canonical schema, and overwrites the snapshot object with
// the (optionally encrypted) image. sources_meta is copied when src is a
// warehouse.SourcesReader.
func (p *Publisher) Publish(ctx context.Context, src warehouse.Reader) (*PublishResult, error) {
	runID := uuid.NewString()
	ds, err := warehouse.ReadDataset(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("read warehouse: %w", err)
	}
	var sources []warehouse.SourcesMeta
	if sr, ok := src.(warehouse.SourcesReader); ok {
		if sources, err = sr.Sources(ctx); err != nil {
			return nil, fmt.Errorf("read warehouse: %w", err)
		}
	}
	image, err := buildImage(ctx, ds, sources)
	if err != nil {
		return nil, err
	}
	if !p.cipher.Encrypted() {
		p.log.Warn("publishing unencrypted snapshot", "key", p.key)
	}
	payload, err := p.cipher.Encrypt(image)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	info, err := p.store.Put(ctx, p.key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			MetaModified:  ds.Modified.UTC().Format(time.RFC3339),
			MetaEncrypted: strconv.FormatBool(p.cipher.Encrypted()),
			MetaRun:       runID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUpload, p.key, err)
	}
	p.log.Info("snapshot published", "run_id", runID, "key", p.key, "bytes", len(payload),
		"patients", len(ds.Patients), "encounters", len(ds.Encounters))
	return &PublishResult{
		RunID:      runID,
		Object:     info,
		Modified:   ds.Modified,
		Patients:   len(ds.Patients),
		Encounters: len(ds.Encounters),
		Sources:    len(sources),
	}, nil
}

func buildImage(ctx context.Context, ds *warehouse.Dataset, sources []warehouse.SourcesMeta) ([]byte, error) {
	mem, err := sqlite.OpenMemory(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mem.Close() }()
	tables := warehouse.Tables{Patients: ds.Patients, Encounters: ds.Encounters}
	if err := warehouse.Replace(ctx, mem, tables, warehouse.Meta{Modified: ds.Modified}, sources); err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	image, err := mem.Serialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	return image, nil
}
