package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/modelkeeper/modelkeeper/internal/config"
	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/events"
	"github.com/modelkeeper/modelkeeper/internal/http"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
	"github.com/modelkeeper/modelkeeper/internal/notify"
	"github.com/modelkeeper/modelkeeper/internal/server"
	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

// app holds the components a download command needs, built from the
// merged configuration.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	bus      *events.EventBus
	notifier *notify.Notifier
	session  *http.Session
	files    *transfer.FileTransfer
	batch    *transfer.BatchDownloader

	printed sync.WaitGroup
	stopSrv context.CancelFunc
	srvDone chan error
}

// loadConfig loads the config file and applies --api-key.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		cfg.API.APIKey = key
	}
	return cfg, nil
}

// newApp wires config, logging, notifications and the transfer components.
// Notifications are printed to out until close is called.
func newApp(out io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logFile == "" && cfg.Logging.File != "" {
		logger = logging.NewFileLogger(os.Stdout, cfg.Logging.File)
	}
	if !verbose {
		logging.SetGlobalLevel(logging.ParseLevel(cfg.Logging.Level))
	}
	log := GetLogger()

	metrics.Register()

	bus := events.NewEventBus(constants.EventBusDefaultBuffer)
	notifier := notify.NewNotifier(&notify.Config{Enabled: cfg.Notifications.Enabled}, bus, log)

	session, err := http.NewSession(http.SessionOptions{
		APIKey:            cfg.API.APIKey,
		UserAgent:         cfg.API.UserAgent,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		RetryMax:          cfg.API.RequestRetries,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   log,
		bus:      bus,
		notifier: notifier,
		session:  session,
		batch:    transfer.NewBatchDownloader(cfg.Transfer, notifier, log),
	}
	a.files = newFileTransfer(a)

	ch := bus.Subscribe(events.EventNotification)
	a.printed.Add(1)
	go func() {
		defer a.printed.Done()
		printNotifications(out, ch)
	}()

	return a, nil
}

// newFileTransfer builds a FileTransfer from the app's current settings.
func newFileTransfer(a *app) *transfer.FileTransfer {
	return transfer.NewFileTransfer(a.session, a.cfg.Transfer, a.notifier, a.logger)
}

// printNotifications writes notification events until ch is closed.
func printNotifications(out io.Writer, ch <-chan events.Event) {
	for ev := range ch {
		n, ok := ev.(*events.NotificationEvent)
		if !ok {
			continue
		}
		prefix := "✓"
		switch n.Level {
		case events.WarnLevel:
			prefix = "⚠"
		case events.ErrorLevel:
			prefix = "✗"
		}
		fmt.Fprintf(out, "%s %s: %s\n", prefix, n.Title, n.Message)
	}
}

// serveStatus starts the status server when --metrics-addr is set.
func (a *app) serveStatus(ctx context.Context, tasks server.Tasks) {
	if metricsAddr == "" {
		return
	}
	ctx, a.stopSrv = context.WithCancel(ctx)
	a.srvDone = make(chan error, 1)
	go func() {
		a.srvDone <- server.Run(ctx, metricsAddr, tasks, a.logger)
	}()
}

// close stops the status server and flushes pending notifications.
func (a *app) close() {
	if a.stopSrv != nil {
		a.stopSrv()
		if err := <-a.srvDone; err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("Status server stopped with error")
		}
	}
	a.bus.Close()
	a.printed.Wait()
}
