package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/updater"
	"github.com/core-tools/hsu-autoupdate/pkg/version"
)

type globalOptions struct {
	Config  string `long:"config" short:"c" description:"path to the YAML configuration file" default:"autoupdate.yaml"`
	Section string `long:"section" short:"s" description:"server section to use" default:"SERVER1"`
	EnvFile string `long:"env-file" description:"file with HSU_AUTOUPDATE_* variables to load first"`
	Verbose bool   `long:"verbose" short:"v" description:"log debug output to stderr"`
}

type checkCommand struct {
	Windows bool `long:"windows" description:"compare against the Windows build"`
}

type rconCommand struct {
	Args struct {
		Command []string `positional-arg-name:"command" required:"1"`
	} `positional-args:"yes"`
}

type notifyCommand struct {
	Args struct {
		Message []string `positional-arg-name:"message" required:"1"`
	} `positional-args:"yes"`
}

var opts globalOptions

func main() {
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, _ = parser.AddCommand("check", "Check for an Oxide update", "Compares the running version with the latest release once.", &checkCommand{})
	_, _ = parser.AddCommand("rcon", "Send a console command", "Sends one command over RCON and prints the reply.", &rconCommand{})
	_, _ = parser.AddCommand("notify", "Send a message", "Broadcasts one message to every enabled channel.", &notifyCommand{})

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		if setting := errors.SettingOf(err); setting != "" {
			fmt.Fprintf(os.Stderr, "Invalid setting %s: %v\n", setting, err)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

// loadService builds the components of the selected section without starting
// the orchestrator. The section is validated the same way the service does.
func loadService() (*updater.Service, *logging.ZapBackend, error) {
	config, err := updater.LoadConfig(updater.RunOptions{
		ConfigFile: opts.Config,
		Section:    opts.Section,
		EnvFile:    opts.EnvFile,
	})
	if err != nil {
		return nil, nil, err
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Output = "stderr"
	zapConfig.Level = "warn"
	if opts.Verbose {
		zapConfig.Level = "debug"
	}
	backend, err := logging.NewZapBackend(zapConfig)
	if err != nil {
		return nil, nil, err
	}

	return updater.NewService(config, backend.Logger), backend, nil
}

func (c *checkCommand) Execute(args []string) error {
	service, backend, err := loadService()
	if err != nil {
		return err
	}
	defer backend.Sync()

	monitor := service.Monitor
	if c.Windows {
		monitor = version.NewMonitor(version.MonitorOptions{
			LogDir:      service.Config.Oxide.LogDir,
			ManifestURL: service.Config.Oxide.ManifestURL,
			Platform:    version.PlatformWindows,
			HTTPTimeout: service.Config.Oxide.HTTPTimeout,
		}, backend.Logger("version"))
	}

	obs, err := monitor.Check(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Running: %s\nLatest:  %s\nUpdate:  %t\nURL:     %s\n",
		obs.RunningVersion, obs.LatestVersion, obs.NeedsUpdate, obs.DownloadURL)
	return nil
}

func (c *rconCommand) Execute(args []string) error {
	service, backend, err := loadService()
	if err != nil {
		return err
	}
	defer backend.Sync()

	if service.Console == nil {
		return errors.NewConfigurationError("rcon_enabled", "rcon is disabled for this section")
	}

	reply, err := service.Console.Send(context.Background(), strings.Join(c.Args.Command, " "))
	if err != nil {
		return err
	}
	fmt.Println(reply.Message)
	return nil
}

func (c *notifyCommand) Execute(args []string) error {
	service, backend, err := loadService()
	if err != nil {
		return err
	}
	defer backend.Sync()

	if len(service.Dispatcher.Channels()) == 0 {
		return errors.NewConfigurationError("discord_enabled", "no notification channel is enabled for this section")
	}

	service.Dispatcher.Broadcast(context.Background(), strings.Join(c.Args.Message, " "))
	fmt.Printf("Message dispatched to %s\n", strings.Join(service.Dispatcher.Channels(), ", "))
	return nil
}
