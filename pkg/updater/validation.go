package updater

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/orchestrator"
	"github.com/core-tools/hsu-autoupdate/pkg/version"
)

// Setting names reported by configuration errors.
const (
	SettingAutoUpdate     = "oxide_auto_update"
	SettingCheckInterval  = "oxide_check_interval"
	SettingPlatform       = "oxide_platform"
	SettingManifestURL    = "oxide_manifest_url"
	SettingUpdateCommand  = "update_command"
	SettingDiscordWebhook = "discord_webhook"
	SettingRCONIP         = "rcon_ip"
	SettingRCONPort       = "rcon_port"
	SettingRCONPassword   = "rcon_password"
	SettingWarnings       = "warnings"
	SettingTickInterval   = "orchestrator_tick_interval"
	SettingGracePeriod    = "orchestrator_grace_period"
	SettingWorkers        = "orchestrator_workers"
)

// ValidateConfig rejects configurations the service cannot run with. Every
// failure is a configuration error naming the offending setting.
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if !config.Oxide.AutoUpdate && !config.Discord.Enabled && !config.RCON.Enabled {
		return errors.NewConfigurationError(SettingAutoUpdate,
			"auto update, discord and rcon are all disabled, there is nothing to do")
	}

	if err := validateOxideConfig(&config.Oxide); err != nil {
		return err
	}

	if config.Oxide.AutoUpdate && strings.TrimSpace(config.Update.Command) == "" {
		return errors.NewConfigurationError(SettingUpdateCommand, "auto update is enabled, but no update command was provided")
	}

	if config.Discord.Enabled && strings.TrimSpace(config.Discord.Webhook) == "" {
		return errors.NewConfigurationError(SettingDiscordWebhook, "discord is enabled, but no webhook was provided")
	}

	if config.RCON.Enabled {
		if err := validateRCONConfig(&config.RCON); err != nil {
			return err
		}
	}

	if err := orchestrator.ValidateStages(config.Warnings); err != nil {
		return errors.NewConfigurationError(SettingWarnings, err.Error())
	}

	if config.Orchestrator.TickInterval <= 0 {
		return errors.NewConfigurationError(SettingTickInterval, "tick interval must be positive")
	}
	if config.Orchestrator.GracePeriod < 0 {
		return errors.NewConfigurationError(SettingGracePeriod, "grace period cannot be negative")
	}
	if config.Orchestrator.Workers <= 0 {
		return errors.NewConfigurationError(SettingWorkers, "worker pool size must be positive")
	}

	return nil
}

func validateOxideConfig(config *OxideConfig) error {
	if config.CheckInterval <= 0 {
		return errors.NewConfigurationError(SettingCheckInterval, "check interval must be positive")
	}

	switch version.Platform(config.Platform) {
	case version.PlatformLinux, version.PlatformWindows:
	default:
		return errors.NewConfigurationError(SettingPlatform,
			fmt.Sprintf("unsupported platform %q, expected linux or windows", config.Platform))
	}

	u, err := url.Parse(config.ManifestURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewConfigurationError(SettingManifestURL, "manifest URL must be an absolute URL")
	}
	return nil
}

func validateRCONConfig(config *RCONConfig) error {
	if strings.TrimSpace(config.IP) == "" {
		return errors.NewConfigurationError(SettingRCONIP, "rcon is enabled, but no IP was provided")
	}
	if strings.TrimSpace(config.Port) == "" {
		return errors.NewConfigurationError(SettingRCONPort, "rcon is enabled, but no port was provided")
	}
	port, err := strconv.Atoi(strings.TrimSpace(config.Port))
	if err != nil || port <= 0 || port > 65535 {
		return errors.NewConfigurationError(SettingRCONPort, "rcon port must be between 1 and 65535")
	}
	if strings.TrimSpace(config.Password) == "" {
		return errors.NewConfigurationError(SettingRCONPassword, "rcon is enabled, but no password was provided")
	}
	return nil
}
