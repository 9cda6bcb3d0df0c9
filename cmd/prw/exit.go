package main

import (
	"errors"
	"net/url"

	"prwpanel/internal/blob"
	"prwpanel/internal/config"
	"prwpanel/internal/ingest"
	"prwpanel/internal/snapshot"
	"prwpanel/internal/warehouse"
)

// Exit codes by error class.
const (
	exitOther        = 1
	exitConfig       = 2
	exitParse        = 3
	exitConnectivity = 4
	exitIntegrity    = 5
)

func exitCode(err error) int {
	var urlErr *url.Error
	switch {
	case errors.Is(err, config.ErrConfig), errors.Is(err, warehouse.ErrUnsupportedDSN):
		return exitConfig
	case errors.Is(err, ingest.ErrParse):
		return exitParse
	case errors.Is(err, snapshot.ErrDecrypt), errors.Is(err, snapshot.ErrInvalidImage):
		return exitIntegrity
	case errors.Is(err, warehouse.ErrConnect), errors.Is(err, snapshot.ErrFetch),
		errors.Is(err, snapshot.ErrUpload), errors.Is(err, blob.ErrNotFound), errors.As(err, &urlErr):
		return exitConnectivity
	default:
		return exitOther
	}
}
