package blob

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Driver Driver
	// FSRoot is the directory root when Driver is fs.
	FSRoot string
	S3     S3Config
}

// Open returns the blob.Store described by opts. An empty driver means s3.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverS3
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
