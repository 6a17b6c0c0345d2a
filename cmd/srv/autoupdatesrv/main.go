package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/pidfile"
	"github.com/core-tools/hsu-autoupdate/pkg/updater"
)

type flagOptions struct {
	Config             string        `long:"config" short:"c" description:"path to the YAML configuration file" default:"autoupdate.yaml"`
	Section            string        `long:"section" short:"s" description:"server section to run" default:"SERVER1"`
	EnvFile            string        `long:"env-file" description:"file with HSU_AUTOUPDATE_* variables to load first"`
	LogLevel           string        `long:"log-level" description:"debug, info, warn or error"`
	LogFormat          string        `long:"log-format" description:"console or json"`
	LogFile            string        `long:"log-file" description:"write logs to this file instead of stdout"`
	MetricsAddr        string        `long:"metrics-addr" description:"serve Prometheus metrics on this address"`
	PIDFile            string        `long:"pid-file" description:"PID file guarding the section (default: per-user runtime directory)"`
	NoPIDFile          bool          `long:"no-pid-file" description:"run without a PID file"`
	RunDuration        time.Duration `long:"run-duration" description:"stop after this duration (for testing)"`
	WriteDefaultConfig bool          `long:"write-default-config" description:"write the default configuration to --config and exit"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.WriteDefaultConfig {
		if err := updater.WriteDefaultConfig(opts.Config); err != nil {
			fatal(err)
		}
		fmt.Printf("Default configuration written to %s\n", opts.Config)
		return
	}

	pidFile := opts.PIDFile
	if pidFile == "" && !opts.NoPIDFile {
		pidFile = pidfile.DefaultPath(opts.Section)
	}

	err = updater.Run(context.Background(), updater.RunOptions{
		ConfigFile:  opts.Config,
		Section:     opts.Section,
		EnvFile:     opts.EnvFile,
		LogLevel:    opts.LogLevel,
		LogFormat:   opts.LogFormat,
		LogFile:     opts.LogFile,
		MetricsAddr: opts.MetricsAddr,
		PIDFile:     pidFile,
		RunDuration: opts.RunDuration,
	})
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	if setting := errors.SettingOf(err); setting != "" {
		fmt.Fprintf(os.Stderr, "Invalid setting %s: %v\n", setting, err)
	} else {
		fmt.Fprintf(os.Stderr, "Autoupdate failed: %v\n", err)
	}
	os.Exit(1)
}
