package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smazurov/capturenode/internal/avlib/astiavlib"
	"github.com/smazurov/capturenode/internal/capture"
	"github.com/smazurov/capturenode/internal/config"
	"github.com/smazurov/capturenode/internal/interrupt"
	"github.com/smazurov/capturenode/internal/logging"
	"github.com/smazurov/capturenode/internal/monitor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Errors that end a capture run successfully.
var (
	errPacketLimit    = errors.New("packet limit reached")
	errMonitorRemoved = errors.New("monitor removed from config")
)

const progressInterval = 10 * time.Second

// CaptureOptions configures a foreground capture run.
type CaptureOptions struct {
	MonitorID    string
	MonitorsFile string
	Packets      int
	Duration     time.Duration
	Bound        time.Duration
	MaxRetries   int
	LogJSON      bool
	LogPackets   bool
}

// CreateCaptureCmd creates the capture command.
func CreateCaptureCmd() *cobra.Command {
	opts := CaptureOptions{}

	cmd := &cobra.Command{
		Use:   "capture [monitor-id]",
		Short: "Capture one monitor in the foreground",
		Long: `Primes the named monitor from the monitors file and reads packets until interrupted. ` +
			`The session is re-primed after read failures and when the monitor definition changes on disk.`,
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			opts.MonitorID = args[0]
			os.Exit(RunCapture(context.Background(), opts))
		},
	}

	cmd.Flags().StringVar(&opts.MonitorsFile, "monitors", "monitors.toml", "Path to monitors configuration file")
	cmd.Flags().IntVarP(&opts.Packets, "packets", "n", 0, "Stop after this many packets (0 = unlimited)")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 0, "Stop after this long (0 = unlimited)")
	cmd.Flags().DurationVar(&opts.Bound, "bound", interrupt.DefaultBound, "Longest a connect or read may block")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "Give up after this many failed primes (0 = never)")
	cmd.Flags().BoolVar(&opts.LogJSON, "log-json", false, "Use JSON log format")
	cmd.Flags().BoolVarP(&opts.LogPackets, "verbose", "v", false, "Log every packet")

	return cmd
}

// RunCapture runs a single monitor until it stops and returns the exit code.
func RunCapture(ctx context.Context, opts CaptureOptions) int {
	loggingConfig := logging.Config{Level: "info", Format: "text"}
	if opts.LogJSON {
		loggingConfig.Format = "json"
	}
	if opts.LogPackets {
		loggingConfig.Modules = map[string]string{"capture": "debug"}
	}
	logging.Initialize(loggingConfig)
	logger := logging.GetLogger("capture").With("monitor_id", opts.MonitorID)

	store := config.NewMonitorStore(opts.MonitorsFile)
	if err := store.Load(); err != nil {
		logger.Error("Failed to load monitors configuration", "error", err, "config", opts.MonitorsFile)
		return 1
	}
	if _, err := store.Capture(opts.MonitorID); err != nil {
		logger.Error("Invalid monitor", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	sig := interrupt.NewSignal()
	defer sig.NotifyOnSignals(ctx, os.Interrupt, syscall.SIGTERM)()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	group, ctx := errgroup.WithContext(ctx)

	// finish carries the first reason a callback wants the run to end.
	finish := make(chan error, 1)
	end := func(err error) {
		select {
		case finish <- err:
		default:
		}
	}

	var packets atomic.Int64
	sink := func(_ string, pkt *capture.Packet) {
		n := packets.Add(1)
		if opts.LogPackets {
			logger.Debug("Packet",
				"kind", pkt.Kind.String(),
				"secondary", pkt.Secondary,
				"stream", pkt.StreamIndex,
				"pts", pkt.PTS,
				"dts", pkt.DTS,
				"key", pkt.Key,
				"size", len(pkt.Data))
		}
		if opts.Packets > 0 && n == int64(opts.Packets) {
			end(errPacketLimit)
		}
	}

	done := make(chan struct{})
	var gaveUp sync.Once
	pool := monitor.NewPool(&monitor.PoolOptions{
		Library:        astiavlib.New(),
		ConfigProvider: store.Capture,
		Signal:         sig,
		Bound:          opts.Bound,
		Reconnect: monitor.ReconnectConfig{
			MaxRetries: opts.MaxRetries,
		},
		Sink:   sink,
		Logger: logging.GetLogger("capture"),
		OnStateChange: func(_ string, _, newState monitor.State, _ error) {
			if newState == monitor.StateError {
				gaveUp.Do(func() { close(done) })
			}
		},
	})

	if err := pool.Start(opts.MonitorID); err != nil {
		logger.Error("Failed to start capture", "error", err)
		return 1
	}

	watcher := config.NewConfigWatcher(
		opts.MonitorsFile,
		config.LoadMonitors,
		logger,
		config.WithDebounce[config.MonitorsConfig](1500*time.Millisecond),
	)
	watcher.OnReload(func(cfg config.MonitorsConfig) {
		diff := store.Replace(cfg)
		switch {
		case slices.Contains(diff.Removed, opts.MonitorID):
			logger.Warn("Monitor removed or disabled in config, shutting down")
			end(errMonitorRemoved)
		case slices.Contains(diff.Changed, opts.MonitorID):
			logger.Info("Monitor definition changed, re-priming")
			if err := pool.Restart(opts.MonitorID); err != nil {
				logger.Warn("Failed to restart monitor", "error", err)
			}
		}
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Failed to start config watcher, hot-reload disabled", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	group.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-finish:
			return err
		case <-done:
			return fmt.Errorf("monitor gave up: %w", pool.GetStatus(opts.MonitorID).LastError)
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				status := pool.GetStatus(opts.MonitorID)
				logger.Info("Capture progress",
					"state", status.State,
					"packets", packets.Load(),
					"bytes", status.Stats.Bytes,
					"read_errors", status.Stats.ReadErrors)
			}
		}
	})

	err := group.Wait()
	status := pool.GetStatus(opts.MonitorID)
	pool.StopAll()

	logger.Info("Capture finished",
		"packets", packets.Load(),
		"bytes", status.Stats.Bytes,
		"read_errors", status.Stats.ReadErrors,
		"primes", status.Stats.Primes)

	switch {
	case err == nil, errors.Is(err, errPacketLimit), errors.Is(err, errMonitorRemoved):
		return 0
	default:
		logger.Error("Capture command exiting", "error", err)
		return 1
	}
}
