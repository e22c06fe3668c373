package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smazurov/capturenode/cmd"
	"github.com/smazurov/capturenode/internal/api"
	"github.com/smazurov/capturenode/internal/avlib/astiavlib"
	"github.com/smazurov/capturenode/internal/config"
	"github.com/smazurov/capturenode/internal/events"
	"github.com/smazurov/capturenode/internal/interrupt"
	"github.com/smazurov/capturenode/internal/logging"
	"github.com/smazurov/capturenode/internal/metrics/collectors"
	"github.com/smazurov/capturenode/internal/monitor"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Monitors settings
	MonitorsConfigFile string `help:"Monitor definitions file" default:"monitors.toml" toml:"monitors.config_file" env:"MONITORS_CONFIG_FILE"`
	MonitorsWatch      bool   `help:"Reload monitors when the file changes" default:"true" toml:"monitors.watch" env:"MONITORS_WATCH"`

	// Capture settings
	CaptureBound         time.Duration `help:"Longest a connect or read may block" default:"10s" toml:"capture.bound" env:"CAPTURE_BOUND"`
	CaptureMaxRetries    int           `help:"Failed primes before a monitor gives up (0 = never)" default:"0" toml:"capture.max_retries" env:"CAPTURE_MAX_RETRIES"`
	CaptureRetryDelay    time.Duration `help:"Delay before the first re-prime" default:"1s" toml:"capture.retry_delay" env:"CAPTURE_RETRY_DELAY"`
	CaptureMaxRetryDelay time.Duration `help:"Upper bound of the re-prime delay" default:"30s" toml:"capture.max_retry_delay" env:"CAPTURE_MAX_RETRY_DELAY"`

	// Observability settings
	MetricsEnabled bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"metrics.enabled" env:"METRICS_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings. Per-module levels come from the [logging] table.
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		loadErr := config.LoadConfig(opts, cli.Root())

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")
		if loadErr != nil {
			logger.Warn("Failed to load config", "error", loadErr)
		}

		eventBus := events.New()
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.LogEvent(entry))
		})

		// Raised on SIGINT/SIGTERM so blocked connects and reads give up at once.
		signal := interrupt.NewSignal()
		stopSignals := signal.NotifyOnSignals(context.Background(), os.Interrupt, syscall.SIGTERM)

		store := config.NewMonitorStore(opts.MonitorsConfigFile)
		if err := store.Load(); err != nil {
			logger.Warn("Failed to load monitors", "error", err, "config", opts.MonitorsConfigFile)
		}

		library := astiavlib.New()
		pool := monitor.NewPool(&monitor.PoolOptions{
			Library:        library,
			ConfigProvider: store.Capture,
			Signal:         signal,
			Bound:          opts.CaptureBound,
			Reconnect: monitor.ReconnectConfig{
				MaxRetries:    opts.CaptureMaxRetries,
				RetryDelay:    opts.CaptureRetryDelay,
				MaxRetryDelay: opts.CaptureMaxRetryDelay,
			},
			Events: eventBus,
			Logger: logging.GetLogger("capture"),
		})

		apply := func(cfg config.MonitorsConfig) config.MonitorsDiff {
			diff := store.Replace(cfg)
			if diff.Empty() {
				logger.Debug("Monitors reloaded, nothing changed")
				return diff
			}
			logger.Info("Monitors changed",
				"added", diff.Added,
				"removed", diff.Removed,
				"changed", diff.Changed)
			if err := monitor.Reconcile(pool, diff); err != nil {
				logger.Warn("Failed to apply monitor changes", "error", err)
			}
			eventBus.Publish(events.MonitorsReloadedEvent{
				Added:     diff.Added,
				Removed:   diff.Removed,
				Changed:   diff.Changed,
				Timestamp: time.Now().Format(time.RFC3339),
			})
			return diff
		}

		watcher := config.NewConfigWatcher(
			store.Path(),
			config.LoadMonitors,
			logging.GetLogger("config"),
			config.WithDebounce[config.MonitorsConfig](1500*time.Millisecond),
		)
		watcher.OnReload(func(cfg config.MonitorsConfig) { apply(cfg) })

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Pool:         pool,
			Monitors:     store,
			Reload: func() (config.MonitorsDiff, error) {
				cfg, err := config.LoadMonitors(store.Path())
				if err != nil {
					return config.MonitorsDiff{}, err
				}
				return apply(cfg), nil
			},
			Library:  library,
			EventBus: eventBus,
		}
		if opts.MetricsEnabled {
			apiOpts.PrometheusHandler = promhttp.Handler()
		}

		server := api.NewServer(apiOpts)

		var hwLoad *collectors.HWLoadCollector
		if opts.MetricsEnabled {
			if c := collectors.NewHWLoadCollector(collectors.DefaultMPPLoadPath, 5*time.Second, logging.GetLogger("hwaccel")); c.Available() {
				hwLoad = c
			}
		}

		hooks.OnStart(func() {
			for _, id := range store.EnabledIDs() {
				if err := pool.Start(id); err != nil {
					logger.Error("Failed to start monitor", "id", id, "error", err)
				}
			}

			if hwLoad != nil {
				hwLoad.Start(context.Background())
			}

			if opts.MonitorsWatch {
				if err := watcher.Start(); err != nil {
					logger.Warn("Failed to start monitors watcher, hot-reload disabled", "error", err)
				}
			}

			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				logger.Debug("Failed to notify systemd", "error", err)
			} else if ok {
				logger.Debug("Notified systemd of readiness")
			}

			if err := server.Start(opts.Port); err != nil {
				logger.Error("Failed to start HTTP server", "error", err)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			if err := server.Stop(); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}
			if opts.MonitorsWatch {
				_ = watcher.Stop()
			}

			// Release every session after the API stops accepting requests.
			pool.StopAll()
			if hwLoad != nil {
				hwLoad.Stop()
			}
			stopSignals()
		})
	})

	cli.Root().AddCommand(cmd.CreateCaptureCmd())
	cli.Root().AddCommand(cmd.CreateHWAccelsCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	cli.Run()
}
