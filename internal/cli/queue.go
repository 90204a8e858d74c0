package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelkeeper/modelkeeper/internal/events"
	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

// newQueueCmd creates the 'queue' command.
func newQueueCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "queue <url>...",
		Short: "Run downloads as background tasks",
		Long: `Start every URL as a detached background download and report progress
until all of them have finished. With --metrics-addr the task list is also
served at /v1/tasks and individual tasks can be cancelled with
DELETE /v1/tasks/{id}.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			ctx := GetContext()
			manager := transfer.NewManager(a.files.Retrying(), a.bus, a.logger)
			a.serveStatus(ctx, manager)

			// Subscribe before starting so refused tasks are reported too.
			updates := a.bus.SubscribeAll()

			for _, item := range urlItems(args, dir) {
				id := manager.Start(ctx, item.URL, item.Path, nil)
				a.logger.Info().Str("task_id", id).Str("url", item.URL).Str("dest", filepath.Base(item.Path)).Msg("Task started")
			}

			out := cmd.OutOrStdout()
			watchTasks(out, manager, updates)

			return printHistory(out, manager.History())
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Destination directory")

	return cmd
}

// watchTasks prints task events from ch until every worker of m has
// returned. Workers publish their final event before they return, so the
// events still buffered at that point are drained and printed as well.
func watchTasks(out io.Writer, m *transfer.Manager, ch <-chan events.Event) {
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				<-done
				return
			}
			printTaskEvent(out, ev)
		case <-done:
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return
					}
					printTaskEvent(out, ev)
				default:
					return
				}
			}
		}
	}
}

func printTaskEvent(out io.Writer, ev events.Event) {
	te, ok := ev.(*events.TaskEvent)
	if !ok {
		return
	}
	name := filepath.Base(te.Path)

	switch te.Type() {
	case events.EventTaskStarted:
		fmt.Fprintf(out, "started   %s  %s\n", te.TaskID, name)
	case events.EventTaskProgress:
		fmt.Fprintf(out, "progress  %s  %s  %.1f/%.1f MiB  %s\n", te.TaskID, name, mib(te.Downloaded), mib(te.Total), te.Speed)
	case events.EventTaskCompleted:
		fmt.Fprintf(out, "finished  %s  %s\n", te.TaskID, name)
	case events.EventTaskFailed:
		if te.Error != nil {
			fmt.Fprintf(out, "failed    %s  %s: %v\n", te.TaskID, name, te.Error)
		} else {
			fmt.Fprintf(out, "failed    %s  %s\n", te.TaskID, name)
		}
	case events.EventTaskCancelled:
		fmt.Fprintf(out, "cancelled %s  %s\n", te.TaskID, name)
	}
}

func mib(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

// printHistory writes a table of finished tasks and returns an error if any
// of them did not succeed.
func printHistory(out io.Writer, history []transfer.TaskRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tBYTES\tDURATION\tPATH")

	failed := 0
	for _, r := range history {
		if !r.Success {
			failed++
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.State, r.Downloaded, r.Duration().Round(time.Millisecond), r.Path)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", failed, len(history))
	}
	return nil
}
