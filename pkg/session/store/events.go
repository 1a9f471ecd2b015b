package store

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/internal/telemetry"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// appendRetries bounds how often AppendEvent retries after losing a
// seq race to a concurrent writer on the same run.
const appendRetries = 5

// AppendEvent appends one event to a run's log and returns the stored
// record with its assigned seq.
//
// Seq assignment happens inside a transaction: MAX(seq)+1 over the run's
// existing events, protected by the UNIQUE(run_id, seq) constraint. If two
// writers race, the loser hits the constraint and retries with a fresh
// transaction. Under SQLite's single-writer model the race is rare; the
// retry bound exists for the PostgreSQL backend.
//
// Appending to a terminal session returns models.ErrSessionTerminated
// on every channel. The final closed or error event always lands before
// the status flips, so a terminal log needs no append exemption.
func (s *GORMStore) AppendEvent(ctx context.Context, runID, channel, eventType string, payload []byte) (*models.SessionEvent, error) {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanAppendEvent, runID,
		telemetry.Channel(channel),
		telemetry.EventType(eventType),
		telemetry.Bytes(len(payload)))
	defer span.End()

	if payload == nil {
		payload = []byte{}
	}

	muAny, _ := s.appendMu.LoadOrStore(runID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	var stored *models.SessionEvent
	var lastErr error

	for attempt := 0; attempt < appendRetries; attempt++ {
		event := &models.SessionEvent{
			RunID:   runID,
			Channel: channel,
			Type:    eventType,
			Payload: payload,
			Ts:      models.NowMillis(),
		}

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var sess models.RunSession
			if err := tx.Where("run_id = ?", runID).First(&sess).Error; err != nil {
				return convertNotFoundError(err, models.ErrSessionNotFound)
			}

			if sess.GetStatus().Terminal() {
				return models.ErrSessionTerminated
			}

			var maxSeq int64
			err := tx.Model(&models.SessionEvent{}).
				Where("run_id = ?", runID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&maxSeq).Error
			if err != nil {
				return fmt.Errorf("failed to read max seq: %w", err)
			}

			event.Seq = maxSeq + 1
			return tx.Create(event).Error
		})

		if err == nil {
			stored = event
			break
		}

		if isUniqueConstraintError(err) {
			lastErr = err
			logger.DebugCtx(ctx, "seq conflict on append, retrying",
				logger.RunID(runID),
				logger.Attempt(attempt+1))
			continue
		}

		return nil, err
	}

	if stored == nil {
		return nil, fmt.Errorf("failed to append event after %d attempts: %w", appendRetries, lastErr)
	}

	span.SetAttributes(telemetry.Seq(stored.Seq))
	return stored, nil
}

// EventsSince returns a run's events with seq > afterSeq in ascending seq
// order. afterSeq of 0 replays the whole log. A limit of 0 means no limit.
func (s *GORMStore) EventsSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.SessionEvent, error) {
	ctx, span := telemetry.StartStoreSpan(ctx, telemetry.SpanEventsSince, runID,
		telemetry.AfterSeq(afterSeq))
	defer span.End()

	// Verify the session exists so an unknown runId is distinguishable
	// from a run with no events past the cursor.
	var count int64
	err := s.db.WithContext(ctx).Model(&models.RunSession{}).
		Where("run_id = ?", runID).
		Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if count == 0 {
		return nil, models.ErrSessionNotFound
	}

	query := s.db.WithContext(ctx).
		Where("run_id = ? AND seq > ?", runID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var events []*models.SessionEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// LastSeq returns the highest seq assigned for a run, or 0 if the run has
// no events yet.
func (s *GORMStore) LastSeq(ctx context.Context, runID string) (int64, error) {
	var maxSeq int64
	err := s.db.WithContext(ctx).Model(&models.SessionEvent{}).
		Where("run_id = ?", runID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read max seq: %w", err)
	}
	return maxSeq, nil
}

// PruneEventsBefore deletes events of terminal sessions older than the
// cutoff timestamp (ms since epoch). Events of live sessions are never
// pruned so an attached client can always replay a contiguous log.
// Returns the number of deleted events.
func (s *GORMStore) PruneEventsBefore(ctx context.Context, cutoff int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("ts < ? AND run_id IN (?)", cutoff,
			s.db.Model(&models.RunSession{}).
				Select("run_id").
				Where("status IN ?", []string{string(models.StatusStopped), string(models.StatusError)})).
		Delete(&models.SessionEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune events: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		logger.InfoCtx(ctx, "pruned old session events", "deleted", result.RowsAffected)
	}

	return result.RowsAffected, nil
}
