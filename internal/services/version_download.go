package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/modelkeeper/modelkeeper/internal/http"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/models"
	"github.com/modelkeeper/modelkeeper/internal/notify"
	"github.com/modelkeeper/modelkeeper/internal/transfer"
	"github.com/modelkeeper/modelkeeper/internal/util/paths"
)

// VersionDownloader downloads a model version: the primary file through the
// retry chain, then its preview images as a batch.
type VersionDownloader struct {
	files     transfer.Downloader
	batch     *transfer.BatchDownloader
	images    transfer.FileDownloader
	sink      notify.Sink
	tolerance float64
	logger    *logging.Logger
}

// NewVersionDownloader creates a VersionDownloader. files is normally
// FileTransfer.Retrying() and images the HTTP session.
func NewVersionDownloader(files transfer.Downloader, batch *transfer.BatchDownloader, images transfer.FileDownloader,
	sink notify.Sink, tolerance float64, logger *logging.Logger) *VersionDownloader {
	return &VersionDownloader{
		files:     files,
		batch:     batch,
		images:    images,
		sink:      sink,
		tolerance: tolerance,
		logger:    logging.OrNop(logger).Component("version"),
	}
}

// Download fetches v into opts.Dir.
//
// The model file is stored as <save name><ext>; preview images go to
// images/<save name>/ with duplicate names disambiguated. Image failures
// never fail the workflow.
func (d *VersionDownloader) Download(ctx context.Context, v models.ModelVersion, opts VersionOptions) (*VersionResult, error) {
	primary, ok := v.PrimaryFile()
	url := primary.DownloadURL
	if url == "" {
		url = v.DownloadURL
	}
	if url == "" {
		return nil, fmt.Errorf("version %d: %w", v.ID, ErrNoFiles)
	}

	saveName := paths.SaveName(v)
	result := &VersionResult{
		SaveName:  saveName,
		ModelPath: filepath.Join(opts.Dir, saveName+filepath.Ext(primary.Name)),
		ImageDir:  filepath.Join(opts.Dir, "images", saveName),
	}

	d.logger.Info().
		Int64("version_id", v.ID).
		Str("save_name", saveName).
		Str("dest", result.ModelPath).
		Msg("Downloading model version")

	success, err := d.files.Download(ctx, url, result.ModelPath, opts.OnFileProgress, nil)
	if err != nil {
		if d.sink != nil {
			title := "Download failed"
			if http.IsAuthError(err) {
				title = "Authentication failed"
			}
			d.sink.ShowError(title, err.Error())
		}
		return result, err
	}
	if !success {
		if d.sink != nil {
			d.sink.ShowError("Download failed", fmt.Sprintf("Could not download %s", saveName))
		}
		return result, fmt.Errorf("%s: %w", saveName, ErrModelDownloadFailed)
	}

	if ok {
		d.checkReportedSize(result.ModelPath, primary)
	}

	if !opts.SkipImages && len(v.Images) > 0 {
		items := imageItems(v.Images, result.ImageDir)
		result.ImagesTotal = len(items)
		result.ImagesOK = d.batch.Download(ctx, items, opts.OnBatchProgress, d.images)
	}

	if d.sink != nil {
		msg := fmt.Sprintf("%s saved to %s", saveName, notify.ShortenPath(result.ModelPath))
		if result.ImagesTotal > 0 {
			msg += fmt.Sprintf(", %d/%d preview images", result.ImagesOK, result.ImagesTotal)
		}
		d.sink.ShowInfo("Download complete", msg)
	}

	return result, nil
}

// checkReportedSize compares the file with the size the API reported. The
// transfer already validated against Content-Length; this catches a server
// that sent the wrong file.
func (d *VersionDownloader) checkReportedSize(path string, f models.ModelFile) {
	expected := f.SizeBytes()
	info, err := os.Stat(path)
	if err != nil || expected <= 0 {
		return
	}
	if transfer.ValidateSize(info.Size(), expected, d.tolerance) {
		return
	}

	msg := fmt.Sprintf("%s is %d bytes, API reported %d", filepath.Base(path), info.Size(), expected)
	if d.sink != nil {
		d.sink.ShowWarning("Size mismatch", msg)
		return
	}
	d.logger.Warn().Str("path", path).Msg(msg)
}

// imageItems builds batch items with collision-free file names.
func imageItems(images []models.Image, dir string) []transfer.Item {
	ids := make([]string, len(images))
	entries := make([]string, len(images))
	seen := make(map[string]struct{}, len(images))
	for i, img := range images {
		id := strconv.FormatInt(img.ID, 10)
		if _, dup := seen[id]; dup || img.ID == 0 {
			id = "#" + strconv.Itoa(i)
		}
		seen[id] = struct{}{}
		ids[i] = id
		entries[i] = id + ":" + img.FileName()
	}

	names := paths.ResolveDuplicateNames(entries)

	items := make([]transfer.Item, len(images))
	for i, img := range images {
		items[i] = transfer.Item{
			URL:  img.URL,
			Path: filepath.Join(dir, names[ids[i]]),
		}
	}
	return items
}
