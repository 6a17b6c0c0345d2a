package updater

import (
	"bytes"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/executor"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
	"github.com/core-tools/hsu-autoupdate/pkg/notify"
	"github.com/core-tools/hsu-autoupdate/pkg/orchestrator"
	"github.com/core-tools/hsu-autoupdate/pkg/rcon"
	"github.com/core-tools/hsu-autoupdate/pkg/version"
	"github.com/core-tools/hsu-autoupdate/pkg/workpool"
)

const (
	DefaultSection       = "SERVER1"
	DefaultLogDir        = "/home/rustserver/serverfiles/oxide/logs"
	DefaultUpdateCommand = "/home/rustserver/./rustserver stop;/home/rustserver/./rustserver update;" +
		"/home/rustserver/./rustserver mods-update;/home/rustserver/./rustserver start"
	DefaultRCONPassword = "CHANGE_ME"
)

// Config is the effective configuration of one monitored server: the
// defaults block with the selected server section laid over it.
type Config struct {
	Section      string               `yaml:"-"`
	Oxide        OxideConfig          `yaml:"oxide" envPrefix:"OXIDE_"`
	Update       UpdateConfig         `yaml:"update" envPrefix:"UPDATE_"`
	RCON         RCONConfig           `yaml:"rcon" envPrefix:"RCON_"`
	Discord      DiscordConfig        `yaml:"discord" envPrefix:"DISCORD_"`
	Warnings     []orchestrator.Stage `yaml:"warnings"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Logging      logging.ZapConfig    `yaml:"logging"`
	Metrics      MetricsConfig        `yaml:"metrics" envPrefix:"METRICS_"`
}

type OxideConfig struct {
	LogDir        string        `yaml:"log_dir" env:"LOG_DIR"`
	ManifestURL   string        `yaml:"manifest_url" env:"MANIFEST_URL"`
	CheckInterval time.Duration `yaml:"check_interval" env:"CHECK_INTERVAL"`
	AutoUpdate    bool          `yaml:"auto_update" env:"AUTO_UPDATE"`
	Platform      string        `yaml:"platform" env:"PLATFORM"`
	HTTPTimeout   time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
}

type UpdateConfig struct {
	Command          string        `yaml:"command" env:"COMMAND"`
	Shell            string        `yaml:"shell,omitempty" env:"SHELL"`
	KickReason       string        `yaml:"kick_reason" env:"KICK_REASON"`
	WorkingDirectory string        `yaml:"working_directory,omitempty" env:"WORKING_DIRECTORY"`
	Timeout          time.Duration `yaml:"timeout,omitempty" env:"TIMEOUT"`
	WaitDelay        time.Duration `yaml:"wait_delay" env:"WAIT_DELAY"`
}

type RCONConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	IP       string        `yaml:"ip" env:"IP"`
	Port     string        `yaml:"port" env:"PORT"`
	Password string        `yaml:"password" env:"PASSWORD"`
	BotName  string        `yaml:"bot_name,omitempty" env:"BOT_NAME"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type DiscordConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Webhook        string        `yaml:"webhook" env:"WEBHOOK"`
	BotName        string        `yaml:"bot_name" env:"BOT_NAME"`
	BotAvatarURL   string        `yaml:"bot_avatar_url" env:"BOT_AVATAR_URL"`
	GameName       string        `yaml:"game_name" env:"GAME_NAME"`
	ServerName     string        `yaml:"server_name" env:"SERVER_NAME"`
	ServerIPPort   string        `yaml:"server_ip_port" env:"SERVER_IP_PORT"`
	ServerHostName string        `yaml:"server_host_name" env:"SERVER_HOST_NAME"`
	Title          string        `yaml:"title" env:"TITLE"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type OrchestratorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	GracePeriod  time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
}

type MetricsConfig struct {
	// Address of the metrics listener, empty to disable.
	Address string `yaml:"address" env:"ADDRESS"`
}

// fileLayout is the on-disk shape of the configuration file.
type fileLayout struct {
	Defaults yaml.Node            `yaml:"defaults"`
	Servers  map[string]yaml.Node `yaml:"servers"`
}

// DefaultConfig returns the built-in configuration every file is laid over.
func DefaultConfig() Config {
	return Config{
		Section: DefaultSection,
		Oxide: OxideConfig{
			LogDir:        DefaultLogDir,
			ManifestURL:   version.DefaultManifestURL,
			CheckInterval: orchestrator.DefaultPollInterval,
			AutoUpdate:    true,
			Platform:      string(version.PlatformLinux),
			HTTPTimeout:   version.DefaultHTTPTimeout,
		},
		Update: UpdateConfig{
			Command:    DefaultUpdateCommand,
			KickReason: executor.DefaultKickReason,
			WaitDelay:  executor.DefaultWaitDelay,
		},
		RCON: RCONConfig{
			Enabled:  true,
			IP:       rcon.DefaultHost,
			Port:     rcon.DefaultPort,
			Password: DefaultRCONPassword,
			Timeout:  rcon.DefaultTimeout,
		},
		Discord: DiscordConfig{
			Enabled:      false,
			BotName:      rcon.DefaultBotName,
			GameName:     "My Rust Game",
			ServerName:   "My Server",
			ServerIPPort: "127.0.0.1:28015",
			Title:        notify.DefaultTitle,
			Timeout:      notify.DefaultHTTPTimeout,
		},
		Warnings: orchestrator.DefaultStages(),
		Orchestrator: OrchestratorConfig{
			TickInterval: orchestrator.DefaultTickInterval,
			GracePeriod:  orchestrator.DefaultGracePeriod,
			Workers:      workpool.DefaultSize,
		},
		Logging: logging.DefaultZapConfig(),
	}
}

// LoadConfigFromFile reads filename, lays the named server section over the
// defaults block and applies environment overrides and defaults. Section
// names are matched case-insensitively; a missing section leaves the
// defaults block in effect.
func LoadConfigFromFile(filename string, section string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data, section)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	if err := ApplyEnvOverrides(config); err != nil {
		return nil, err
	}

	setConfigDefaults(config)
	return config, nil
}

// ParseConfig merges the defaults block and section of a YAML document
// over DefaultConfig.
func ParseConfig(data []byte, section string) (*Config, error) {
	config := DefaultConfig()
	if strings.TrimSpace(section) != "" {
		config.Section = strings.ToUpper(strings.TrimSpace(section))
	}

	var layout fileLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, err
	}

	if err := decodeOver(&layout.Defaults, &config, "defaults"); err != nil {
		return nil, err
	}
	for name, node := range layout.Servers {
		if strings.EqualFold(name, config.Section) {
			node := node
			if err := decodeOver(&node, &config, name); err != nil {
				return nil, err
			}
			break
		}
	}

	return &config, nil
}

// decodeOver decodes a mapping node into config, keeping every field the
// node does not mention.
func decodeOver(node *yaml.Node, config *Config, name string) error {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errors.NewValidationError("configuration section must be a mapping", nil).WithContext("section", name)
	}
	if err := node.Decode(config); err != nil {
		return errors.NewValidationError("failed to decode configuration section", err).WithContext("section", name)
	}
	return nil
}

// setConfigDefaults fills blank values the way the services expect them.
func setConfigDefaults(config *Config) {
	config.RCON.IP = strings.TrimSpace(config.RCON.IP)
	config.RCON.Port = strings.TrimSpace(config.RCON.Port)
	config.RCON.Password = strings.TrimSpace(config.RCON.Password)
	config.Discord.Webhook = strings.TrimSpace(config.Discord.Webhook)

	if strings.TrimSpace(config.Discord.BotName) == "" {
		config.Discord.BotName = notify.DefaultBotName
	}
	if strings.TrimSpace(config.Discord.GameName) == "" {
		config.Discord.GameName = notify.DefaultGameName
	}
	if strings.TrimSpace(config.Discord.ServerName) == "" {
		config.Discord.ServerName = notify.DefaultServerName
	}
	if strings.TrimSpace(config.Discord.ServerIPPort) == "" {
		config.Discord.ServerIPPort = notify.DefaultServerIP
	}
	if strings.TrimSpace(config.Discord.Title) == "" {
		config.Discord.Title = notify.DefaultTitle
	}

	// The console bot speaks under the webhook bot's name unless told otherwise.
	if strings.TrimSpace(config.RCON.BotName) == "" {
		config.RCON.BotName = config.Discord.BotName
	}

	if config.Oxide.Platform == "" {
		config.Oxide.Platform = string(version.PlatformLinux)
	}
	config.Oxide.Platform = strings.ToLower(config.Oxide.Platform)
	if config.Oxide.ManifestURL == "" {
		config.Oxide.ManifestURL = version.DefaultManifestURL
	}
	if config.Orchestrator.Workers <= 0 {
		config.Orchestrator.Workers = workpool.DefaultSize
	}
	if config.Update.WaitDelay <= 0 {
		config.Update.WaitDelay = executor.DefaultWaitDelay
	}
	if strings.TrimSpace(config.Update.KickReason) == "" {
		config.Update.KickReason = executor.DefaultKickReason
	}
}

const defaultConfigHeader = `# hsu-autoupdate configuration.
# The defaults block applies to every server; a block under servers
# overrides only the keys it sets. Select the block with --section.
# Durations use Go syntax, e.g. 15m, 1s.
`

type defaultConfigFile struct {
	Defaults Config                       `yaml:"defaults"`
	Servers  map[string]map[string]string `yaml:"servers"`
}

// WriteDefaultConfig writes the built-in configuration to filename with an
// empty DefaultSection block. An existing file is never overwritten.
func WriteDefaultConfig(filename string) error {
	if _, err := os.Stat(filename); err == nil {
		return errors.NewIOError("configuration file already exists", nil).WithContext("filename", filename)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultConfigHeader)

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(defaultConfigFile{
		Defaults: DefaultConfig(),
		Servers:  map[string]map[string]string{DefaultSection: {}},
	}); err != nil {
		return errors.NewInternalError("failed to encode default configuration", err)
	}
	if err := encoder.Close(); err != nil {
		return errors.NewInternalError("failed to encode default configuration", err)
	}

	if err := os.WriteFile(filename, buf.Bytes(), 0o600); err != nil {
		return errors.NewIOError("failed to write configuration file", err).WithContext("filename", filename)
	}
	return nil
}
