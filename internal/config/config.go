// Package config assembles runtime settings from defaults, an optional YAML
// file and PRW_* environment variables. Command-line flags are applied last
// by cmd/prw.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"prwpanel/internal/blob"
)

// ErrConfig marks missing or invalid settings.
var ErrConfig = errors.New("configuration error")

// Snapshot sources.
const (
	SourceRemote = "remote"
	SourceFile   = "file"
)

// KeySize is the snapshot key length in bytes.
const KeySize = 32

// Config is the full runtime configuration.
type Config struct {
	DSN      string         `yaml:"dsn"`
	InputDir string         `yaml:"input_dir"`
	Blob     BlobConfig     `yaml:"blob"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// BlobConfig selects the object store holding snapshots.
type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// SnapshotConfig locates and decrypts the dashboard snapshot.
type SnapshotConfig struct {
	Source string `yaml:"source"`
	Object string `yaml:"object"`
	File   string `yaml:"file"`
	// Key is the base64 snapshot key. Empty selects unencrypted mode.
	Key          string        `yaml:"key"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// HTTPConfig configures the dashboard server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DSN:      "sqlite://prw.sqlite3",
		InputDir: "./",
		Blob: BlobConfig{
			Driver: string(blob.DriverS3),
			FSRoot: "./blobdata",
			S3:     S3Config{Region: "auto"},
		},
		Snapshot: SnapshotConfig{
			Source:       SourceRemote,
			Object:       "prw.sqlite3.enc",
			FetchTimeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load returns defaults overlaid with the YAML file at path (when non-empty)
// and then the environment read through getenv (os.Getenv when nil).
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("%w: read config file: %v", ErrConfig, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse config file %s: %v", ErrConfig, path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays non-empty variables:
//
//	PRW_DB_DSN, PRW_INPUT_DIR
//	PRW_BLOB_DRIVER (s3|fs|memory), PRW_BLOB_FS_ROOT
//	PRW_S3_BUCKET, PRW_S3_REGION, PRW_S3_ENDPOINT, PRW_S3_PATH_STYLE,
//	PRW_S3_ACCESS_KEY_ID, PRW_S3_SECRET_ACCESS_KEY
//	PRW_SNAPSHOT_SOURCE (remote|file), PRW_SNAPSHOT_OBJECT, PRW_SNAPSHOT_FILE,
//	PRW_SNAPSHOT_KEY, PRW_FETCH_TIMEOUT
//	PRW_HTTP_ADDR
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"PRW_DB_DSN", &c.DSN},
		{"PRW_INPUT_DIR", &c.InputDir},
		{"PRW_BLOB_DRIVER", &c.Blob.Driver},
		{"PRW_BLOB_FS_ROOT", &c.Blob.FSRoot},
		{"PRW_S3_BUCKET", &c.Blob.S3.Bucket},
		{"PRW_S3_REGION", &c.Blob.S3.Region},
		{"PRW_S3_ENDPOINT", &c.Blob.S3.Endpoint},
		{"PRW_S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID},
		{"PRW_S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey},
		{"PRW_SNAPSHOT_SOURCE", &c.Snapshot.Source},
		{"PRW_SNAPSHOT_OBJECT", &c.Snapshot.Object},
		{"PRW_SNAPSHOT_FILE", &c.Snapshot.File},
		{"PRW_SNAPSHOT_KEY", &c.Snapshot.Key},
		{"PRW_HTTP_ADDR", &c.HTTP.Addr},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(getenv(s.name)); v != "" {
			*s.dst = v
		}
	}
	if v := strings.TrimSpace(getenv("PRW_S3_PATH_STYLE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: PRW_S3_PATH_STYLE: %v", ErrConfig, err)
		}
		c.Blob.S3.PathStyle = b
	}
	if v := strings.TrimSpace(getenv("PRW_FETCH_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: PRW_FETCH_TIMEOUT: %v", ErrConfig, err)
		}
		c.Snapshot.FetchTimeout = d
	}
	return nil
}

// ValidateIngest checks the settings used by `prw ingest`.
func (c Config) ValidateIngest() error {
	if strings.TrimSpace(c.InputDir) == "" {
		return fmt.Errorf("%w: input directory required", ErrConfig)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("%w: database connection string required (PRW_DB_DSN)", ErrConfig)
	}
	return nil
}

// ValidateSnapshot checks the settings used to publish or load snapshots.
func (c Config) ValidateSnapshot() error {
	switch c.Snapshot.Source {
	case SourceRemote:
		if err := c.validateBlob(); err != nil {
			return err
		}
		if strings.TrimSpace(c.Snapshot.Object) == "" {
			return fmt.Errorf("%w: snapshot object key required (PRW_SNAPSHOT_OBJECT)", ErrConfig)
		}
	case SourceFile:
		if strings.TrimSpace(c.Snapshot.File) == "" {
			return fmt.Errorf("%w: snapshot file required when source is file (PRW_SNAPSHOT_FILE)", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown snapshot source %q", ErrConfig, c.Snapshot.Source)
	}
	if c.Snapshot.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch timeout must be positive", ErrConfig)
	}
	if _, err := c.SnapshotKey(); err != nil {
		return err
	}
	return nil
}

// ValidatePublish checks the settings used by `prw snapshot publish`.
func (c Config) ValidatePublish() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("%w: database connection string required (PRW_DB_DSN)", ErrConfig)
	}
	if err := c.validateBlob(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Snapshot.Object) == "" {
		return fmt.Errorf("%w: snapshot object key required (PRW_SNAPSHOT_OBJECT)", ErrConfig)
	}
	_, err := c.SnapshotKey()
	return err
}

// ValidateServe checks the settings used by `prw serve`.
func (c Config) ValidateServe() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("%w: http address required", ErrConfig)
	}
	return c.ValidateSnapshot()
}

func (c Config) validateBlob() error {
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("%w: PRW_S3_BUCKET required for s3 driver", ErrConfig)
		}
		if (c.Blob.S3.AccessKeyID == "") != (c.Blob.S3.SecretAccessKey == "") {
			return fmt.Errorf("%w: PRW_S3_ACCESS_KEY_ID and PRW_S3_SECRET_ACCESS_KEY must be set together", ErrConfig)
		}
	case blob.DriverFilesystem:
		if c.Blob.FSRoot == "" {
			return fmt.Errorf("%w: PRW_BLOB_FS_ROOT required for fs driver", ErrConfig)
		}
	case blob.DriverMemory:
	default:
		return fmt.Errorf("%w: unknown blob driver %q", ErrConfig, c.Blob.Driver)
	}
	return nil
}

// SnapshotKey decodes the configured key. A nil key with a nil error means
// unencrypted mode.
func (c Config) SnapshotKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Snapshot.Key)
	if raw == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot key is not valid base64", ErrConfig)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: snapshot key must be %d bytes, got %d", ErrConfig, KeySize, len(key))
	}
	return key, nil
}

// BlobOptions converts the blob settings for blob.Open.
func (c Config) BlobOptions() blob.Options {
	return blob.Options{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Blob.S3.Bucket,
			Region:          c.Blob.S3.Region,
			Endpoint:        c.Blob.S3.Endpoint,
			PathStyle:       c.Blob.S3.PathStyle,
			AccessKeyID:     c.Blob.S3.AccessKeyID,
			SecretAccessKey: c.Blob.S3.SecretAccessKey,
		},
	}
}
