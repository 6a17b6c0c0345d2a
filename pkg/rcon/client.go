package rcon

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
)

const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = "28016"
	DefaultBotName = "RustPythonBot"
	DefaultTimeout = 10 * time.Second

	// The server is slow to acknowledge close frames; don't wait for it.
	closeGrace = 50 * time.Millisecond
)

type Options struct {
	Host     string
	Port     string
	Password string
	BotName  string
	Timeout  time.Duration
}

// Request is the WebRCON envelope sent to the server.
type Request struct {
	Identifier int    `json:"Identifier"`
	Message    string `json:"Message"`
	Name       string `json:"Name"`
}

// Reply is the WebRCON envelope received from the server.
type Reply struct {
	Identifier int    `json:"Identifier"`
	Message    string `json:"Message"`
	Type       string `json:"Type"`
	Stacktrace string `json:"Stacktrace,omitempty"`
}

// Client sends single commands to a game server's web console. Every call
// opens its own connection.
type Client struct {
	options Options
	dialer  *websocket.Dialer
	nextID  atomic.Int64
	logger  logging.Logger
}

func NewClient(options Options, logger logging.Logger) *Client {
	if options.Host == "" {
		options.Host = DefaultHost
	}
	if options.Port == "" {
		options.Port = DefaultPort
	}
	if options.BotName == "" {
		options.BotName = DefaultBotName
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{
		options: options,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: options.Timeout,
		},
		logger: logger,
	}
}

// Endpoint returns the websocket URL; the password is the path.
func (c *Client) Endpoint() string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(c.options.Host, c.options.Port),
		Path:   "/" + c.options.Password,
	}
	return u.String()
}

// Send runs command on the server and returns the reply carrying the same
// identifier. Console broadcasts received in between are skipped.
func (c *Client) Send(ctx context.Context, command string) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.options.Timeout)
	defer cancel()

	request := Request{
		Identifier: int(c.nextID.Add(1)),
		Message:    command,
		Name:       c.options.BotName,
	}

	c.logger.Debugf("Sending RCON command, host: %s, port: %s, identifier: %d, command: %s",
		c.options.Host, c.options.Port, request.Identifier, command)

	conn, resp, err := c.dialer.DialContext(ctx, c.Endpoint(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, c.classify(ctx, "failed to connect to RCON", err).
			WithContext("host", c.options.Host).
			WithContext("port", c.options.Port).
			WithContext("status", status)
	}
	defer c.close(conn)

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(request); err != nil {
		return nil, c.classify(ctx, "failed to send RCON command", err).WithContext("command", command)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, c.classify(ctx, "no RCON reply", err).WithContext("command", command)
		}

		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, errors.NewNetworkError("malformed RCON reply", err).WithContext("command", command)
		}
		if reply.Identifier != request.Identifier {
			c.logger.Debugf("Skipping RCON message, identifier: %d, type: %s", reply.Identifier, reply.Type)
			continue
		}

		c.logger.Debugf("RCON reply, identifier: %d, type: %s, message: %s", reply.Identifier, reply.Type, reply.Message)
		return &reply, nil
	}
}

func (c *Client) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	_ = conn.Close()
}

func (c *Client) classify(ctx context.Context, message string, err error) *errors.DomainError {
	if ctx.Err() != nil {
		return errors.NewTimeoutError(fmt.Sprintf("%s within %v", message, c.options.Timeout), err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeoutError(fmt.Sprintf("%s within %v", message, c.options.Timeout), err)
	}
	return errors.NewNetworkError(message, err)
}
