package updater

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/metrics"
	"github.com/core-tools/hsu-autoupdate/pkg/pidfile"
)

const metricsShutdownTimeout = 5 * time.Second

// RunOptions carries the command line surface of the service. Non-empty
// values override the configuration file.
type RunOptions struct {
	ConfigFile  string
	Section     string
	EnvFile     string
	LogLevel    string
	LogFormat   string
	LogFile     string
	MetricsAddr string
	// PIDFile guards against a second updater for the same section. Empty
	// disables the guard.
	PIDFile     string
	RunDuration time.Duration
}

// LoadConfig loads the env file and configuration, applies the command line
// overrides and validates the result.
func LoadConfig(options RunOptions) (*Config, error) {
	if err := LoadEnvFile(options.EnvFile); err != nil {
		return nil, err
	}

	config, err := LoadConfigFromFile(options.ConfigFile, options.Section)
	if err != nil {
		return nil, err
	}

	if options.LogLevel != "" {
		config.Logging.Level = options.LogLevel
	}
	if options.LogFormat != "" {
		config.Logging.Format = options.LogFormat
	}
	if options.LogFile != "" {
		config.Logging.Output = options.LogFile
	}
	if options.MetricsAddr != "" {
		config.Metrics.Address = options.MetricsAddr
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Run starts the service for one server section and blocks until a signal
// arrives, ctx is done or the run duration elapses.
func Run(ctx context.Context, options RunOptions) error {
	config, err := LoadConfig(options)
	if err != nil {
		return err
	}

	backend, err := logging.NewZapBackend(config.Logging)
	if err != nil {
		return errors.NewConfigurationError("logging", err.Error())
	}
	defer backend.Sync()

	logger := backend.Logger("updater")
	logger.Infof("Updater runner starting, config: %s, section: %s", options.ConfigFile, config.Section)

	if options.PIDFile != "" {
		pid, err := pidfile.Acquire(options.PIDFile, backend.Logger("pidfile"))
		if err != nil {
			return err
		}
		defer func() {
			if err := pid.Release(); err != nil {
				logger.Errorf("Failed to release PID file, error: %v", err)
			}
		}()
	}

	if options.RunDuration > 0 {
		logger.Infof("Using run duration, duration: %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	if config.RCON.Enabled && config.RCON.Password == DefaultRCONPassword {
		logger.Warnf("RCON password is still the default, set rcon.password or %sRCON_PASSWORD", EnvPrefix)
	}

	service := NewService(config, backend.Logger)
	logger.Infof("Service ready, channels: %v, auto update: %t, check interval: %v",
		service.Dispatcher.Channels(), config.Oxide.AutoUpdate, config.Oxide.CheckInterval)

	if config.Metrics.Address != "" {
		server, err := metrics.Listen(config.Metrics.Address, service.Registry, backend.Logger("metrics"))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Failed to stop metrics server, error: %v", err)
			}
		}()
	}

	if err := service.Orchestrator.Start(ctx); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Infof("Received signal, signal: %v", s)
	case <-ctx.Done():
		logger.Infof("Context done, reason: %v", ctx.Err())
	}

	service.Orchestrator.Stop()
	logger.Infof("Updater runner stopped")
	return nil
}
