package updater

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/core-tools/hsu-autoupdate/pkg/executor"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/metrics"
	"github.com/core-tools/hsu-autoupdate/pkg/notify"
	"github.com/core-tools/hsu-autoupdate/pkg/orchestrator"
	"github.com/core-tools/hsu-autoupdate/pkg/rcon"
	"github.com/core-tools/hsu-autoupdate/pkg/version"
	"github.com/core-tools/hsu-autoupdate/pkg/workpool"
)

// LoggerFactory returns the logger for a named component.
type LoggerFactory func(component string) logging.Logger

// Service holds every component wired for one monitored server.
type Service struct {
	Config       *Config
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Pool         *workpool.Pool
	Monitor      *version.Monitor
	Console      *rcon.Client
	Dispatcher   *notify.Dispatcher
	Executor     *executor.Executor
	Orchestrator *orchestrator.Orchestrator
}

// NewService builds the components described by a validated config.
func NewService(config *Config, loggers LoggerFactory) *Service {
	if loggers == nil {
		loggers = func(string) logging.Logger { return logging.Nop() }
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	pool := workpool.NewPool(config.Orchestrator.Workers, loggers("workpool"))

	monitor := version.NewMonitor(version.MonitorOptions{
		LogDir:      config.Oxide.LogDir,
		ManifestURL: config.Oxide.ManifestURL,
		Platform:    version.Platform(config.Oxide.Platform),
		HTTPTimeout: config.Oxide.HTTPTimeout,
	}, loggers("version"))

	var channels []notify.Channel
	if config.Discord.Enabled {
		channels = append(channels, notify.NewDiscordChannel(notify.DiscordOptions{
			WebhookURL: config.Discord.Webhook,
			BotName:    config.Discord.BotName,
			AvatarURL:  config.Discord.BotAvatarURL,
			Title:      config.Discord.Title,
			Server: notify.ServerInfo{
				GameName:   config.Discord.GameName,
				ServerName: config.Discord.ServerName,
				ServerIP:   config.Discord.ServerIPPort,
				HostName:   config.Discord.ServerHostName,
			},
			Timeout: config.Discord.Timeout,
		}, loggers("discord")))
	}

	var console *rcon.Client
	var executorConsole executor.Console
	if config.RCON.Enabled {
		console = rcon.NewClient(rcon.Options{
			Host:     config.RCON.IP,
			Port:     config.RCON.Port,
			Password: config.RCON.Password,
			BotName:  config.RCON.BotName,
			Timeout:  config.RCON.Timeout,
		}, loggers("rcon"))
		channels = append(channels, notify.NewConsoleChannel(console))
		executorConsole = console
	}

	dispatcher := notify.NewDispatcher(channels, pool, recorder, loggers("notify"))

	exec := executor.NewExecutor(executor.Options{
		Command:          config.Update.Command,
		Shell:            config.Update.Shell,
		KickReason:       config.Update.KickReason,
		WorkingDirectory: config.Update.WorkingDirectory,
		Timeout:          config.Update.Timeout,
		WaitDelay:        config.Update.WaitDelay,
	}, executorConsole, loggers("executor"))

	orch := orchestrator.NewOrchestrator(orchestrator.Options{
		PollInterval: config.Oxide.CheckInterval,
		TickInterval: config.Orchestrator.TickInterval,
		GracePeriod:  config.Orchestrator.GracePeriod,
		Stages:       config.Warnings,
		AutoUpdate:   config.Oxide.AutoUpdate,
	}, monitor, dispatcher, exec, loggers("orchestrator"),
		orchestrator.WithPool(pool),
		orchestrator.WithRecorder(recorder))

	return &Service{
		Config:       config,
		Registry:     registry,
		Metrics:      recorder,
		Pool:         pool,
		Monitor:      monitor,
		Console:      console,
		Dispatcher:   dispatcher,
		Executor:     exec,
		Orchestrator: orch,
	}
}
