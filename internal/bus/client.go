// Package bus holds the NATS connection shared by the speak service, the
// capability registry and the CLI.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/nats-io/nats.go"
)

const (
	reconnectWait = 500 * time.Millisecond
	// maxReconnects of -1 keeps a node retrying for as long as it runs.
	maxReconnects = -1
)

// ErrNoServers is returned by Connect when the configuration names no server.
var ErrNoServers = errors.New("no NATS servers configured")

type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials the configured servers under the given client name, which
// shows up in the broker's connection list.
func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.With(slog.String("component", "bus"), slog.String("client", name))

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, connectOptions(cfg, name, log)...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", url, err)
	}
	log.Info("bus connected", slog.String("server", conn.ConnectedUrl()))
	return &Client{conn: conn, log: log}, nil
}

func connectOptions(cfg config.BusConfig, name string, log *slog.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Debug("bus connection closed")
		}),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "" || cfg.Password != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		opts = append(opts, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	return opts
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Close flushes pending messages and closes the connection. It is safe on a
// nil client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.log.Debug("bus drain failed", slog.String("error", err.Error()))
	}
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
