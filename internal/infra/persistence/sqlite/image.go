package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Header is the 16-byte magic prefix of every SQLite database image.
var Header = []byte("SQLite format 3\x00")

// ErrImage marks bytes that cannot be materialised as a database.
var ErrImage = errors.New("sqlite: invalid database image")

type serializer interface {
	Serialize() ([]byte, error)
}

type deserializer interface {
	Deserialize(buf []byte) error
}

// Serialize returns the raw database image of the main schema.
func (s *Store) Serialize(ctx context.Context) ([]byte, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer func() { _ = conn.Close() }()
	var image []byte
	err = conn.Raw(func(driverConn any) error {
		ser, ok := driverConn.(serializer)
		if !ok {
			return fmt.Errorf("driver connection %T cannot serialize", driverConn)
		}
		var serr error
		image, serr = ser.Serialize()
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return image, nil
}

// LoadImage materialises a raw SQLite image as a new in-memory store.
// The result is checked with a schema read so a corrupt image fails here
// rather than on first query.
func LoadImage(ctx context.Context, image []byte) (*Store, error) {
	if !bytes.HasPrefix(image, Header) {
		return nil, fmt.Errorf("%w: missing sqlite header", ErrImage)
	}
	s, err := OpenMemory(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	buf := make([]byte, len(image))
	copy(buf, image)
	err = conn.Raw(func(driverConn any) error {
		de, ok := driverConn.(deserializer)
		if !ok {
			return fmt.Errorf("driver connection %T cannot deserialize", driverConn)
		}
		return de.Deserialize(buf)
	})
	_ = conn.Close()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrImage, err)
	}
	if err := s.verify(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// LoadScript executes a SQL dump (as produced by sqlite3 .dump) into a new
// in-memory store.
func LoadScript(ctx context.Context, script string) (*Store, error) {
	s, err := OpenMemory(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, script); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: execute script: %v", ErrImage, err)
	}
	if err := s.verify(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) verify(ctx context.Context) error {
	var check string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&check); err != nil {
		return fmt.Errorf("%w: quick_check: %v", ErrImage, err)
	}
	if check != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrImage, check)
	}
	return nil
}

// MissingTables reports which of the warehouse tables are absent.
func (s *Store) MissingTables(ctx context.Context, names ...string) ([]string, error) {
	var missing []string
	for _, name := range names {
		var found string
		err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup table %s: %w", name, err)
		}
	}
	return missing, nil
}
