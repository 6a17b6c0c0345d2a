package updater

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-autoupdate/pkg/orchestrator"
)

func TestNewService_AllChannels(t *testing.T) {
	config := validConfig()
	config.Discord.Enabled = true
	config.Discord.Webhook = "https://discord.example/api/webhooks/1/abc"
	require.NoError(t, ValidateConfig(config))

	service := NewService(config, nil)

	assert.Equal(t, []string{"discord", "rcon"}, service.Dispatcher.Channels())
	require.NotNil(t, service.Console)
	assert.Equal(t, "ws://127.0.0.1:28016/secret", service.Console.Endpoint())
	assert.Equal(t, orchestrator.StateIdle, service.Orchestrator.Status().State)

	families, err := service.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "hsu_autoupdate_state")
	assert.Contains(t, names, "go_goroutines")
}

func TestNewService_RCONDisabled(t *testing.T) {
	config := validConfig()
	config.RCON.Enabled = false
	config.Discord.Enabled = true
	config.Discord.Webhook = "https://discord.example/api/webhooks/1/abc"

	service := NewService(config, nil)

	assert.Equal(t, []string{"discord"}, service.Dispatcher.Channels())
	assert.Nil(t, service.Console)
}
