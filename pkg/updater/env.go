package updater

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// HSU_AUTOUPDATE_RCON_PASSWORD or HSU_AUTOUPDATE_DISCORD_WEBHOOK.
const EnvPrefix = "HSU_AUTOUPDATE_"

// LoadEnvFile loads KEY=value pairs from filename into the process
// environment. Variables that are already set keep their value.
func LoadEnvFile(filename string) error {
	if filename == "" {
		return nil
	}
	if _, err := os.Stat(filename); err != nil {
		return errors.NewIOError("env file not found", err).WithContext("filename", filename)
	}
	if err := godotenv.Load(filename); err != nil {
		return errors.NewValidationError("failed to load env file", err).WithContext("filename", filename)
	}
	return nil
}

// ApplyEnvOverrides sets every field whose variable is present in the
// environment. Unset variables leave the field untouched.
func ApplyEnvOverrides(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.NewValidationError("invalid environment override", err)
	}
	return nil
}
