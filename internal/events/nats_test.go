package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-barta/fleetplane/internal/protocol"
)

type fakeConn struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{pub: conn, log: zerolog.Nop()}

	nodeID := uuid.New()
	ev := CommandEvent{
		CommandID: "c1",
		NodeID:    nodeID,
		Type:      protocol.CmdDockerRestart,
		Status:    protocol.StatusSuccess,
		Output:    "restarted",
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "fleetplane.commands."+nodeID.String(), msg.Subject)
	assert.Equal(t, "c1", msg.Header.Get("x-command-id"))
	assert.Equal(t, string(protocol.StatusSuccess), msg.Header.Get("x-command-status"))
	assert.Equal(t, protocol.CmdDockerRestart, msg.Header.Get("x-command-type"))

	var got CommandEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, ev, got)
}

func TestNATSPublisher_OmitsEmptyTypeHeader(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{pub: conn, log: zerolog.Nop()}

	require.NoError(t, p.Publish(context.Background(), CommandEvent{CommandID: "c2", NodeID: uuid.New(), Status: protocol.StatusInProgress}))
	require.Len(t, conn.msgs, 1)
	_, ok := conn.msgs[0].Header["x-command-type"]
	assert.False(t, ok)
}

func TestNATSPublisher_Errors(t *testing.T) {
	conn := &fakeConn{err: nats.ErrConnectionClosed}
	p := &NATSPublisher{pub: conn, log: zerolog.Nop()}
	ev := CommandEvent{CommandID: "c3", NodeID: uuid.New(), Status: protocol.StatusFailed}

	err := p.Publish(context.Background(), ev)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn.err = nil
	assert.True(t, errors.Is(p.Publish(ctx, ev), context.Canceled))
	assert.Empty(t, conn.msgs, "a cancelled context publishes nothing")
	assert.False(t, p.IsReady())
}
