package notify

import (
	"context"

	"github.com/core-tools/hsu-autoupdate/pkg/rcon"
)

// Console executes one command on the game server's remote console.
type Console interface {
	Send(ctx context.Context, command string) (*rcon.Reply, error)
}

// ConsoleChannel announces messages in game chat with the console "say" command.
type ConsoleChannel struct {
	console Console
}

func NewConsoleChannel(console Console) *ConsoleChannel {
	return &ConsoleChannel{console: console}
}

func (c *ConsoleChannel) Name() string { return "rcon" }

func (c *ConsoleChannel) Send(ctx context.Context, message string) error {
	_, err := c.console.Send(ctx, "say "+message)
	return err
}
