package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelkeeper/modelkeeper/internal/models"
	"github.com/modelkeeper/modelkeeper/internal/progress"
	"github.com/modelkeeper/modelkeeper/internal/services"
)

// newVersionCmd creates the 'version' command.
func newVersionCmd() *cobra.Command {
	var (
		dir        string
		skipImages bool
	)

	cmd := &cobra.Command{
		Use:   "version <version.json>",
		Short: "Download a model version and its preview images",
		Long: `Read a model version record (as returned by GET /model-versions/{id}),
download its primary file with retries and then fetch the preview images
into images/<name>/ next to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := models.LoadVersion(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := GetContext()
			a.serveStatus(ctx, nil)

			workflow := services.NewVersionDownloader(
				a.files.Retrying(), a.batch, a.session, a.notifier, a.cfg.Transfer.SizeTolerance, a.logger)

			reporter := progress.NewFileReporter(fmt.Sprintf("%s %s", v.Model.Name, v.Name))
			ui := progress.NewBatchUI(len(v.Images), "Previews")

			result, err := workflow.Download(ctx, *v, services.VersionOptions{
				Dir:             dir,
				SkipImages:      skipImages,
				OnFileProgress:  progress.Callback(reporter),
				OnBatchProgress: ui.Callback(),
			})
			reporter.Finish()
			ui.Wait()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Model:  %s\n", result.ModelPath)
			if result.ImagesTotal > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Images: %d/%d in %s\n", result.ImagesOK, result.ImagesTotal, result.ImageDir)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Destination directory")
	cmd.Flags().BoolVar(&skipImages, "skip-images", false, "Only download the model file")

	return cmd
}
