package snapshot

import (
	"context"
	"fmt"
	"os"

	"prwpanel/internal/blob"
	"prwpanel/internal/config"
	"prwpanel/internal/logging"
	"prwpanel/internal/warehouse"
)

// Loaded is a fully materialised snapshot.
type Loaded struct {
	Dataset   *warehouse.Dataset
	Encrypted bool
	// Origin is the object key or file path the snapshot came from.
	Origin string
	Bytes  int
}

// Source produces the dashboard dataset. Each Load reads the snapshot afresh.
type Source interface {
	Load(ctx context.Context) (*Loaded, error)
}

var (
	_ Source = (*RemoteSource)(nil)
	_ Source = (*FileSource)(nil)
)

// RemoteSource fetches, decrypts and loads the published object.
type RemoteSource struct {
	fetcher *Fetcher
	cipher  Cipher
	log     logging.Logger
}

// NewRemoteSource combines a fetcher and a cipher.
func NewRemoteSource(f *Fetcher, c Cipher, log logging.Logger) *RemoteSource {
	return &RemoteSource{fetcher: f, cipher: c, log: logging.OrNoop(log)}
}

// Load runs fetch → decrypt → load → read. The in-memory store is closed
// before returning; only the typed dataset survives.
func (s *RemoteSource) Load(ctx context.Context) (*Loaded, error) {
	data, info, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if !s.cipher.Encrypted() {
		s.log.Warn("loading unencrypted snapshot", "key", s.fetcher.Key())
	}
	plain, err := s.cipher.Decrypt(data)
	if err != nil {
		return nil, err
	}
	ds, err := readImage(ctx, plain)
	if err != nil {
		return nil, err
	}
	s.log.Info("snapshot loaded", "key", s.fetcher.Key(), "etag", info.ETag, "bytes", len(data),
		"patients", len(ds.Patients), "encounters", len(ds.Encounters))
	return &Loaded{Dataset: ds, Encrypted: s.cipher.Encrypted(), Origin: s.fetcher.Key(), Bytes: len(data)}, nil
}

// FileSource loads a plaintext database file or SQL script from local disk.
type FileSource struct {
	path string
	log  logging.Logger
}

// NewFileSource reads the snapshot at path.
func NewFileSource(path string, log logging.Logger) *FileSource {
	return &FileSource{path: path, log: logging.OrNoop(log)}
}

// Load reads the file into memory; the file itself is never opened as a database.
func (s *FileSource) Load(ctx context.Context) (*Loaded, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	s.log.Warn("loading unencrypted snapshot", "file", s.path)
	ds, err := readImage(ctx, data)
	if err != nil {
		return nil, err
	}
	return &Loaded{Dataset: ds, Origin: s.path, Bytes: len(data)}, nil
}

func readImage(ctx context.Context, plain []byte) (*warehouse.Dataset, error) {
	store, err := LoadImage(ctx, plain)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	ds, err := warehouse.ReadDataset(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return ds, nil
}

// FromConfig builds the Source selected by cfg.Snapshot.Source.
func FromConfig(ctx context.Context, cfg config.Config, log logging.Logger) (Source, error) {
	if err := cfg.ValidateSnapshot(); err != nil {
		return nil, err
	}
	if cfg.Snapshot.Source == config.SourceFile {
		return NewFileSource(cfg.Snapshot.File, log), nil
	}
	store, err := blob.Open(ctx, cfg.BlobOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: open blob store: %v", config.ErrConfig, err)
	}
	key, err := cfg.SnapshotKey()
	if err != nil {
		return nil, err
	}
	c, err := NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	return NewRemoteSource(NewFetcher(store, cfg.Snapshot.Object, cfg.Snapshot.FetchTimeout, log), c, log), nil
}
