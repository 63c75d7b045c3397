package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/timzifer/funcgen/dac"
	"github.com/timzifer/funcgen/direct"
	"github.com/timzifer/funcgen/export"
	"github.com/timzifer/funcgen/internal/config"
	"github.com/timzifer/funcgen/internal/logging"
	"github.com/timzifer/funcgen/internal/reload"
	"github.com/timzifer/funcgen/internal/service"
	"github.com/timzifer/funcgen/internal/version"
	"github.com/timzifer/funcgen/plot"
	"github.com/timzifer/funcgen/telemetry"
	"github.com/timzifer/funcgen/waveform"
)

func main() {
	cfgPath := flag.StringP("config", "c", "funcgen.yaml", "Path to configuration file (.yaml or .cue)")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	showVersion := flag.BoolP("version", "v", false, "Print the version and exit")
	preview := flag.Bool("preview", false, "Print one period of every configured channel as plot commands and exit")
	exportFile := flag.String("export", "", "Write one period of every configured channel to `file` (file_A, file_B with two channels) and exit")
	setA := flag.Float64("set-a", 0, "Set channel A to a constant `voltage` and exit")
	setB := flag.Float64("set-b", 0, "Set channel B to a constant `voltage` and exit")
	unsafe := flag.Bool("unsafe", false, "Allow direct writes above 3.3 V")
	off := flag.Bool("off", false, "Power both channels down and exit")
	dryRun := flag.Bool("dry-run", false, "Use the discard transport instead of the hardware")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Banner())
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *dryRun {
		cfg.Transport.Driver = config.DriverDiscard
	}

	switch {
	case *configCheck:
		os.Exit(executeConfigCheck(cfg))
	case *preview:
		if err := executePreview(cfg); err != nil {
			log.Fatal().Err(err).Msg("preview failed")
		}
		return
	case *exportFile != "":
		if err := executeExport(cfg, *exportFile); err != nil {
			log.Fatal().Err(err).Msg("export failed")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	if *off || flag.CommandLine.Changed("set-a") || flag.CommandLine.Changed("set-b") {
		var a, b *float64
		if flag.CommandLine.Changed("set-a") {
			a = setA
		}
		if flag.CommandLine.Changed("set-b") {
			b = setB
		}
		if err := executeDirect(cfg, logger, a, b, *unsafe, *off); err != nil {
			logger.Fatal().Err(err).Msg("direct write failed")
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry disabled")
		collector = telemetry.Noop()
	}
	if cfg.Telemetry.Enabled {
		stopMetrics := serveMetrics(cfg.Telemetry.Listen, logger)
		defer stopMetrics()
	}

	if cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, cfg, collector); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	srv, err := service.New(cfg, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeConfigCheck(cfg *config.Config) int {
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if len(cfg.Channels) == 0 {
		fmt.Println("No channels configured.")
		return 0
	}
	exitCode := 0
	for _, ch := range cfg.Channels {
		fmt.Printf("Channel %s\n", ch.Channel)
		wf, err := ch.Waveform.Build()
		if err != nil {
			exitCode = 1
			fmt.Printf("  Error: %v\n", err)
			continue
		}
		fmt.Printf("  Waveform: %s\n", wf)
		n, err := wf.SampleCount()
		if err != nil {
			exitCode = 1
			fmt.Printf("  Error: %v\n", err)
			continue
		}
		fmt.Printf("  Samples per period: %d\n", n)
		if wf.Hold() {
			fmt.Println("  Holds its level on stop")
		}
		fmt.Println("  Status: OK")
	}
	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func buildWaveforms(cfg *config.Config) ([]*waveform.Waveform, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	out := make([]*waveform.Waveform, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		wf, err := ch.Waveform.Build()
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Channel, err)
		}
		out = append(out, wf)
	}
	return out, nil
}

func executePreview(cfg *config.Config) error {
	waveforms, err := buildWaveforms(cfg)
	if err != nil {
		return err
	}
	fig := plot.New(os.Stdout)
	for _, wf := range waveforms {
		n, err := wf.SampleCount()
		if err != nil {
			return err
		}
		if err := fig.Waveform(wf, n); err != nil {
			return err
		}
	}
	title := cfg.Name
	if title == "" {
		title = "funcgen"
	}
	for _, attr := range []func() error{
		func() error { return fig.Title(title) },
		func() error { return fig.XLabel("Time (s)") },
		func() error { return fig.YLabel("Voltage (V)") },
		func() error { return fig.Grid() },
		func() error { return fig.Legend() },
	} {
		if err := attr(); err != nil {
			return err
		}
	}
	return nil
}

// executeExport writes one period of every channel to its own file, with the
// channel frequency as the parameter line. With more than one channel the
// channel name is appended to the file stem.
func executeExport(cfg *config.Config, path string) error {
	waveforms, err := buildWaveforms(cfg)
	if err != nil {
		return err
	}
	for i, wf := range waveforms {
		n, err := wf.SampleCount()
		if err != nil {
			return err
		}
		target := exportPath(path, cfg.Channels[i].Channel, len(waveforms) > 1)
		if err := export.Store(target, []float64{wf.Frequency()}, wf.Voltages(n)); err != nil {
			return err
		}
		fmt.Printf("Channel %s written to %s\n", cfg.Channels[i].Channel, target)
	}
	return nil
}

func exportPath(path string, ch dac.Channel, perChannel bool) string {
	if !perChannel {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + ch.String() + ext
}

func executeDirect(cfg *config.Config, logger zerolog.Logger, a, b *float64, unsafe, off bool) error {
	dev, err := service.OpenDevice(cfg.Transport)
	if err != nil {
		return err
	}
	defer dev.Close()

	writer := direct.New(dev, direct.WithUnsafe(unsafe), direct.WithLogger(logger))
	if off {
		var errs []error
		for _, ch := range dac.Channels {
			errs = append(errs, writer.Off(ch))
		}
		return errors.Join(errs...)
	}
	return writer.Write(a, b)
}

func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, collector)
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		restart := false
	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				srv.Close()
				cleanup()
				if err != nil {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				for _, file := range changes {
					collector.IncHotReload(file)
				}

				if reflect.DeepEqual(newCfg.Logging, cfg.Logging) {
					err = srv.Apply(newCfg)
					if err == nil {
						cfg = newCfg
						continue
					}
					if !errors.Is(err, service.ErrRestartRequired) {
						logger.Error().Err(err).Msg("failed to apply configuration")
						continue
					}
				}

				logger.Info().Strs("files", changes).Msg("restarting service for new configuration")
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				cfg = newCfg
				restart = true
				break loop
			}
		}

		if !restart {
			return nil
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

// serveMetrics exposes the default registry on listen until the returned
// function is called.
func serveMetrics(listen string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("listen", listen).Msg("metrics endpoint stopped")
		}
	}()
	logger.Info().Str("listen", listen).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
