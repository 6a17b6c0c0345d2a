package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
)

const (
	DefaultTitle       = "🚧 ALERT"
	DefaultBotName     = "Unknown Bot"
	DefaultGameName    = "Unknown Game"
	DefaultServerName  = "Unknown Server"
	DefaultServerIP    = "127.0.0.1"
	DefaultHTTPTimeout = 10 * time.Second

	embedColor = 2067276
)

// ServerInfo describes the monitored server in every webhook message.
type ServerInfo struct {
	GameName   string
	ServerName string
	ServerIP   string
	HostName   string
}

type DiscordOptions struct {
	WebhookURL string
	BotName    string
	AvatarURL  string
	Title      string
	Server     ServerInfo
	Timeout    time.Duration
}

type webhookPayload struct {
	Username  string  `json:"username"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []embed `json:"embeds"`
}

type embed struct {
	Color       int          `json:"color"`
	Author      embedAuthor  `json:"author"`
	Description string       `json:"description"`
	Footer      embedFooter  `json:"footer"`
	Fields      []embedField `json:"fields"`
}

type embedAuthor struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// DiscordChannel posts rich-embed messages to a chat webhook.
type DiscordChannel struct {
	options DiscordOptions
	client  *http.Client
	logger  logging.Logger
}

// NewDiscordChannel fills blank optional values with display defaults. The
// webhook URL itself is validated by the caller.
func NewDiscordChannel(options DiscordOptions, logger logging.Logger) *DiscordChannel {
	options.WebhookURL = strings.TrimSpace(options.WebhookURL)
	options.BotName = orDefault(options.BotName, DefaultBotName)
	options.Title = orDefault(options.Title, DefaultTitle)
	options.AvatarURL = strings.TrimSpace(options.AvatarURL)
	options.Server.GameName = orDefault(options.Server.GameName, DefaultGameName)
	options.Server.ServerName = orDefault(options.Server.ServerName, DefaultServerName)
	options.Server.ServerIP = orDefault(options.Server.ServerIP, DefaultServerIP)
	options.Server.HostName = strings.TrimSpace(options.Server.HostName)
	if options.Timeout <= 0 {
		options.Timeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &DiscordChannel{
		options: options,
		client:  &http.Client{Timeout: options.Timeout},
		logger:  logger,
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Send(ctx context.Context, message string) error {
	target, err := d.webhookURL()
	if err != nil {
		return err
	}

	body, err := json.Marshal(d.payload(message))
	if err != nil {
		return errors.NewInternalError("failed to encode webhook payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errors.NewNotificationError("failed to create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	d.logger.Debugf("Posting webhook message, bot: %s, message: %s", d.options.BotName, message)

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.NewNotificationError("webhook request failed", err).WithContext("channel", d.Name())
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return errors.NewNotificationError("failed to read webhook response", err).WithContext("channel", d.Name())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewNotificationError(fmt.Sprintf("webhook returned %d", resp.StatusCode), nil).
			WithContext("channel", d.Name()).
			WithContext("status", resp.StatusCode).
			WithContext("body", string(reply))
	}
	if len(bytes.TrimSpace(reply)) > 0 && !json.Valid(reply) {
		return errors.NewNotificationError("webhook returned a malformed response", nil).
			WithContext("channel", d.Name()).
			WithContext("body", string(reply))
	}
	return nil
}

// webhookURL asks for synchronous delivery confirmation.
func (d *DiscordChannel) webhookURL() (string, error) {
	u, err := url.Parse(d.options.WebhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.NewValidationError("invalid webhook URL", err).WithContext("channel", d.Name())
	}
	q := u.Query()
	q.Set("wait", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *DiscordChannel) payload(message string) webhookPayload {
	server := d.options.Server
	return webhookPayload{
		Username:  d.options.BotName,
		AvatarURL: d.options.AvatarURL,
		Embeds: []embed{{
			Color:       embedColor,
			Author:      embedAuthor{Name: d.options.Title, IconURL: d.options.AvatarURL},
			Description: message,
			Footer:      embedFooter{Text: "Hostname: " + server.HostName},
			Fields: []embedField{
				{Name: "Game", Value: server.GameName, Inline: true},
				{Name: "Server IP", Value: server.ServerIP, Inline: true},
				{Name: "Server Name", Value: server.ServerName, Inline: true},
			},
		}},
	}
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
