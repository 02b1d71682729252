package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/dispatch"
	"github.com/markus-barta/fleetplane/internal/protocol"
)

// messageSender is the part of the WebSocket client commands report through.
type messageSender interface {
	SendMessage(msgType string, payload any) error
}

// handleCommand runs one command on its own goroutine. A redelivered id
// that is still running is ignored.
func (a *Agent) handleCommand(ctx context.Context, p protocol.CommandPayload) {
	log := a.log.With().Str("command_id", p.CommandID).Str("type", p.Type).Logger()

	a.mu.Lock()
	if _, dup := a.running[p.CommandID]; dup {
		a.mu.Unlock()
		log.Warn().Msg("command already running, ignoring redelivery")
		return
	}
	cmdCtx, cancel := context.WithCancel(ctx)
	a.running[p.CommandID] = cancel
	a.commands.Add(1)
	a.mu.Unlock()

	log.Info().Msg("executing command")

	go func() {
		defer a.commands.Done()
		defer func() {
			a.mu.Lock()
			delete(a.running, p.CommandID)
			a.mu.Unlock()
			cancel()
		}()

		sink := &statusSink{
			sender:     a.ws,
			structured: dispatch.IsStructured(p.Type),
			log:        log,
		}
		a.dispatcher.Dispatch(cmdCtx, p.CommandID, p.Type, p.Payload, sink)
	}()
}

// cancelCommand cancels a running command.
func (a *Agent) cancelCommand(commandID string) bool {
	a.mu.Lock()
	cancel, ok := a.running[commandID]
	a.mu.Unlock()
	if ok {
		a.log.Info().Str("command_id", commandID).Msg("cancelling command")
		cancel()
	}
	return ok
}

// cancelAll cancels every running command.
func (a *Agent) cancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.running {
		cancel()
	}
}

// statusSink forwards dispatcher updates as command_status messages. The
// dispatcher serializes Report calls per command, so seq needs no lock.
type statusSink struct {
	sender     messageSender
	structured bool
	seq        int
	log        zerolog.Logger
}

func (s *statusSink) Report(commandID string, status protocol.CommandStatus, logs string) {
	payload := protocol.StatusPayload{
		CommandID:  commandID,
		Status:     status,
		Logs:       logs,
		Structured: s.structured,
		Seq:        s.seq,
	}
	s.seq++
	if err := s.sender.SendMessage(protocol.TypeCommandStatus, payload); err != nil {
		s.log.Debug().Err(err).Str("status", string(status)).Msg("failed to send command status")
		return
	}
	if status.IsTerminal() {
		s.log.Info().Str("status", string(status)).Msg("command finished")
	}
}
