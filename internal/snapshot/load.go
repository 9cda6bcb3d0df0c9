package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"prwpanel/internal/infra/persistence/sqlite"
)

// RequiredTables must exist in every loaded image.
var RequiredTables = []string{"patients", "encounters", "meta"}

// LoadImage materialises decrypted bytes as an in-memory store. Raw SQLite
// images and UTF-8 SQL scripts are both accepted; anything else, or an image
// missing a required table, fails with ErrInvalidImage.
func LoadImage(ctx context.Context, data []byte) (*sqlite.Store, error) {
	var (
		store *sqlite.Store
		err   error
	)
	switch {
	case len(data) == 0:
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidImage)
	case bytes.HasPrefix(data, sqlite.Header):
		store, err = sqlite.LoadImage(ctx, data)
	case utf8.Valid(data):
		store, err = sqlite.LoadScript(ctx, string(data))
	default:
		return nil, fmt.Errorf("%w: neither a sqlite image nor a sql script", ErrInvalidImage)
	}
	if err != nil {
		if errors.Is(err, sqlite.ErrImage) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return nil, err
	}
	missing, err := store.MissingTables(ctx, RequiredTables...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(missing) > 0 {
		_ = store.Close()
		return nil, fmt.Errorf("%w: missing tables %s", ErrInvalidImage, strings.Join(missing, ", "))
	}
	return store, nil
}
