package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/modelkeeper/modelkeeper/internal/http"
	"github.com/modelkeeper/modelkeeper/internal/progress"
)

// newDownloadCmd creates the 'download' command.
func newDownloadCmd() *cobra.Command {
	var (
		output   string
		noResume bool
		noRetry  bool
	)

	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download a single file with resume support",
		Long: `Download one file. A partial file at the destination is resumed with a
range request unless --no-resume is given. Network and file errors are
retried; authentication errors are not.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			if output == "" {
				output = filepath.Base(url)
			}

			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			if noResume {
				a.cfg.Transfer.ResumeEnabled = false
				a.files = newFileTransfer(a)
			}

			ctx := GetContext()
			a.serveStatus(ctx, nil)

			reporter := progress.NewFileReporter(filepath.Base(output))
			onProgress := progress.Callback(reporter)

			var ok bool
			if noRetry {
				ok, err = a.files.Download(ctx, url, output, onProgress, nil)
			} else {
				ok, err = a.files.DownloadWithRetry(ctx, url, output, onProgress, nil)
			}
			reporter.Finish()

			switch {
			case err != nil && errors.Is(err, http.ErrAuthentication):
				a.notifier.ShowError("Authentication failed", "Check your API key: "+err.Error())
				return err
			case err != nil:
				return err
			case !ok:
				return fmt.Errorf("download of %s failed", url)
			}

			a.notifier.ShowInfo("Download complete", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default: last URL path segment)")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "Start over instead of resuming a partial file")
	cmd.Flags().BoolVar(&noRetry, "no-retry", false, "Make a single attempt")

	return cmd
}
