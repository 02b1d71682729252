package store

import (
	"context"
	"time"
)

// RecoveryHandler is called for every command put back in the queue.
type RecoveryHandler func(cmd *Command) error

// RecoverInFlightCommands re-queues commands left InProgress by a previous
// orchestrator run. The agent that had them may or may not have finished;
// they are delivered again on its next connect.
func (s *Store) RecoverInFlightCommands(ctx context.Context, handler RecoveryHandler) (int, error) {
	inflight, err := s.InFlightCommands(ctx)
	if err != nil {
		return 0, err
	}
	if len(inflight) == 0 {
		s.log.Info().Msg("no in-flight commands to recover")
		return 0, nil
	}

	s.log.Warn().Int("count", len(inflight)).Msg("found in-flight commands, re-queueing")

	recovered := 0
	for _, cmd := range inflight {
		if _, err := s.Requeue(ctx, cmd.ID); err != nil {
			s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to re-queue command")
			continue
		}
		recovered++
		if handler != nil {
			if err := handler(cmd); err != nil {
				s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("recovery handler failed")
			}
		}
	}
	return recovered, nil
}

// StartRetentionCleanup periodically removes finished commands older than
// retention until ctx is done.
func (s *Store) StartRetentionCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Dur("retention", retention).Msg("starting retention cleanup loop")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := s.CleanupOldCommands(ctx, retention); err != nil {
				s.log.Error().Err(err).Msg("retention cleanup failed")
			}
		}
	}
}
