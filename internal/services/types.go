// Package services provides the download workflows the CLI drives. A
// workflow combines the transfer components and owns the user-facing
// notifications that the components themselves never send.
package services

import (
	"errors"

	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

var (
	// ErrNoFiles means a version record lists nothing to download.
	ErrNoFiles = errors.New("version has no downloadable files")

	// ErrModelDownloadFailed means the primary file could not be downloaded
	// after all retries.
	ErrModelDownloadFailed = errors.New("model file download failed")
)

// VersionOptions controls a version download.
type VersionOptions struct {
	// Dir is the destination directory.
	Dir string

	// SkipImages disables the preview image batch.
	SkipImages bool

	OnFileProgress  transfer.ProgressFunc
	OnBatchProgress transfer.BatchProgressFunc
}

// VersionResult summarizes a version download.
type VersionResult struct {
	SaveName    string
	ModelPath   string
	ImageDir    string
	ImagesOK    int
	ImagesTotal int
}
