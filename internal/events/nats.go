package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix prefixes the per-node subject of command events.
const SubjectPrefix = "fleetplane.commands"

const (
	natsConnectTimeout = 10 * time.Second
	natsReconnectWait  = 2 * time.Second
)

// Subject is the NATS subject for events of one node.
func Subject(ev CommandEvent) string {
	return SubjectPrefix + "." + ev.NodeID.String()
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher publishes events as JSON to NATS.
type NATSPublisher struct {
	conn *nats.Conn
	pub  msgPublisher
	log  zerolog.Logger
}

// NewNATSPublisher connects to url. The client reconnects on its own for
// the life of the process.
func NewNATSPublisher(url string, log zerolog.Logger) (*NATSPublisher, error) {
	log = log.With().Str("component", "nats").Logger()
	conn, err := nats.Connect(url,
		nats.Name("fleetplane-orchestrator"),
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	log.Info().Str("url", url).Msg("connected to NATS")
	return &NATSPublisher{conn: conn, pub: conn, log: log}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, ev CommandEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := eventMsg(ev)
	if err != nil {
		return err
	}
	if err := p.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func eventMsg(ev CommandEvent) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(Subject(ev))
	msg.Data = data
	msg.Header.Set("x-command-id", ev.CommandID)
	msg.Header.Set("x-command-status", string(ev.Status))
	if ev.Type != "" {
		msg.Header.Set("x-command-type", ev.Type)
	}
	return msg, nil
}

// IsReady reports whether the connection is up.
func (p *NATSPublisher) IsReady() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
