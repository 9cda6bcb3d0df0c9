package config

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", envMap(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DSN != "sqlite://prw.sqlite3" || cfg.Snapshot.Object != "prw.sqlite3.enc" || cfg.Snapshot.FetchTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Blob.Driver != "s3" || cfg.Blob.S3.Region != "auto" || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected blob/http defaults %+v", cfg)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prw.yaml")
	yml := `
dsn: postgres://file@db/prw
input_dir: /data/in
blob:
  driver: fs
  fs_root: /data/blobs
snapshot:
  object: from-file.enc
  fetch_timeout: 10s
http:
  addr: ":9000"
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path, envMap(map[string]string{
		"PRW_DB_DSN":        "sqlite:///env.sqlite3",
		"PRW_S3_PATH_STYLE": "true",
		"PRW_FETCH_TIMEOUT": "45s",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DSN != "sqlite:///env.sqlite3" {
		t.Fatalf("env should override file dsn, got %q", cfg.DSN)
	}
	if cfg.InputDir != "/data/in" || cfg.Blob.Driver != "fs" || cfg.Snapshot.Object != "from-file.enc" || cfg.HTTP.Addr != ":9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.Blob.S3.PathStyle || cfg.Snapshot.FetchTimeout != 45*time.Second {
		t.Fatalf("env parse not applied: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing file, got %v", err)
	}
	if _, err := Load("", envMap(map[string]string{"PRW_FETCH_TIMEOUT": "soon"})); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad duration, got %v", err)
	}
	if _, err := Load("", envMap(map[string]string{"PRW_S3_PATH_STYLE": "maybe"})); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad bool, got %v", err)
	}
}

func TestSnapshotKey(t *testing.T) {
	cfg := Default()
	if key, err := cfg.SnapshotKey(); err != nil || key != nil {
		t.Fatalf("expected unencrypted mode, got %v %v", key, err)
	}
	cfg.Snapshot.Key = base64.StdEncoding.EncodeToString(make([]byte, KeySize))
	if key, err := cfg.SnapshotKey(); err != nil || len(key) != KeySize {
		t.Fatalf("expected valid key, got %v %v", key, err)
	}
	cfg.Snapshot.Key = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := cfg.SnapshotKey(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for short key, got %v", err)
	}
	cfg.Snapshot.Key = "%%%"
	_, err := cfg.SnapshotKey()
	if !errors.Is(err, ErrConfig) || strings.Contains(err.Error(), "%%%") {
		t.Fatalf("expected ErrConfig without echoing key, got %v", err)
	}
}

func TestValidateSnapshot(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateSnapshot(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
	cfg.Blob.S3.Bucket = "panel"
	if err := cfg.ValidateSnapshot(); err != nil {
		t.Fatalf("expected valid remote config, got %v", err)
	}
	cfg.Blob.S3.AccessKeyID = "only-id"
	if err := cfg.ValidateSnapshot(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected paired credential error, got %v", err)
	}
	cfg = Default()
	cfg.Snapshot.Source = SourceFile
	if err := cfg.ValidateSnapshot(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected missing file error, got %v", err)
	}
	cfg.Snapshot.File = "panel.sqlite3"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("expected valid file config, got %v", err)
	}
	cfg.Snapshot.Source = "ftp"
	if err := cfg.ValidateSnapshot(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected unknown source error, got %v", err)
	}
}

func TestValidateIngestAndPublish(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateIngest(); err != nil {
		t.Fatalf("defaults should be valid for ingest: %v", err)
	}
	cfg.DSN = ""
	if err := cfg.ValidateIngest(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
	cfg = Default()
	cfg.Blob.Driver = "memory"
	if err := cfg.ValidatePublish(); err != nil {
		t.Fatalf("memory publish should be valid: %v", err)
	}
	opts := cfg.BlobOptions()
	if string(opts.Driver) != "memory" || opts.S3.Region != "auto" {
		t.Fatalf("unexpected blob options %+v", opts)
	}
}
