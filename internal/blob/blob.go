// Package blob is the entry point to export artifact storage. It re-exports
// the storage contract and selects a backend from the environment.
package blob

import (
	"context"
	"fmt"
	"os"

	"cellmonitor/internal/blob/core"
	"cellmonitor/internal/infra/blob/fs"
	memorystore "cellmonitor/internal/infra/blob/memory"
	s3store "cellmonitor/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = s3store.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrExists      = core.ErrExists
	ErrNotFound    = core.ErrNotFound
	ErrInvalidKey  = core.ErrInvalidKey
)

// Open selects a Store using environment variables:
//
//	CELLMONITOR_BLOB_DRIVER   fs|s3|memory (default fs)
//	CELLMONITOR_BLOB_FS_ROOT  directory when driver=fs (default ./exports)
//
// The s3 driver reads the variables documented on OpenS3FromEnv.
func Open(ctx context.Context) (Store, error) {
	driver := Driver(os.Getenv("CELLMONITOR_BLOB_DRIVER"))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("CELLMONITOR_BLOB_FS_ROOT"))
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", driver)
	}
}

// NewFilesystem returns a store rooted at dir.
func NewFilesystem(dir string) (Store, error) {
	return fs.New(dir)
}

// NewMemory returns an in-memory store.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns an S3-backed store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return s3store.New(ctx, cfg)
}

// OpenS3FromEnv builds an S3 store from CELLMONITOR_BLOB_S3_* variables.
func OpenS3FromEnv(ctx context.Context) (Store, error) {
	return s3store.OpenFromEnv(ctx)
}

// NewFakeS3 returns an S3 store backed by an in-process fake endpoint.
func NewFakeS3(bucket string) Store { return s3store.NewFake(bucket) }
