package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/models"
	"github.com/modelkeeper/modelkeeper/internal/progress"
	"github.com/modelkeeper/modelkeeper/internal/transfer"
	"github.com/modelkeeper/modelkeeper/internal/util/paths"
)

// newImagesCmd creates the 'images' command.
func newImagesCmd() *cobra.Command {
	var (
		dir     string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "images <url>...",
		Short: "Download many images in parallel",
		Long: `Download a batch of images into a directory with a bounded worker pool.
File names come from the URLs; repeated names get a " (n)" suffix.
Failed images are reported but never stop the batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 0 || workers > constants.MaxBatchWorkers {
				return fmt.Errorf("--workers must be between 1 and %d", constants.MaxBatchWorkers)
			}

			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if workers > 0 {
				a.cfg.Transfer.BatchWorkers = workers
				a.batch = transfer.NewBatchDownloader(a.cfg.Transfer, a.notifier, a.logger)
			}

			ctx := GetContext()
			a.serveStatus(ctx, nil)

			items := urlItems(args, dir)
			ui := progress.NewBatchUI(len(items), "Images")
			succeeded := a.batch.Download(ctx, items, ui.Callback(), a.session)
			ui.Wait()

			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %d/%d images to %s\n", succeeded, len(items), dir)
			if succeeded < len(items) {
				return fmt.Errorf("%d of %d images failed", len(items)-succeeded, len(items))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Destination directory")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent downloads (default from config)")

	return cmd
}

// urlItems turns URLs into batch items with unique file names in dir.
func urlItems(urls []string, dir string) []transfer.Item {
	entries := make([]string, len(urls))
	for i, u := range urls {
		name := models.Image{ID: int64(i + 1), URL: u}.FileName()
		entries[i] = strconv.Itoa(i) + ":" + name
	}
	names := paths.ResolveDuplicateNames(entries)

	items := make([]transfer.Item, len(urls))
	for i, u := range urls {
		items[i] = transfer.Item{URL: u, Path: filepath.Join(dir, names[strconv.Itoa(i)])}
	}
	return items
}
