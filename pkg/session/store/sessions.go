package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// CreateSession inserts a new run session record in the starting state.
// Returns models.ErrDuplicateSession if the runId is already taken.
func (s *GORMStore) CreateSession(ctx context.Context, runID, kind string, meta map[string]any) (*models.RunSession, error) {
	now := models.NowMillis()

	sess := &models.RunSession{
		RunID:     runID,
		Kind:      kind,
		Status:    string(models.StatusStarting),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sess.SetMeta(meta); err != nil {
		return nil, fmt.Errorf("failed to encode session meta: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, models.ErrDuplicateSession
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.DebugCtx(ctx, "session created",
		logger.RunID(runID),
		logger.Kind(kind))

	return sess, nil
}

// GetSession retrieves a session by its run id.
// Returns models.ErrSessionNotFound if no such session exists.
func (s *GORMStore) GetSession(ctx context.Context, runID string) (*models.RunSession, error) {
	var sess models.RunSession
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&sess).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrSessionNotFound)
	}
	return &sess, nil
}

// ListFilter narrows ListSessions results. Zero values match everything.
type ListFilter struct {
	Status models.Status
	Kind   string
}

// ListSessions returns sessions matching the filter, newest first.
func (s *GORMStore) ListSessions(ctx context.Context, filter ListFilter) ([]*models.RunSession, error) {
	query := s.db.WithContext(ctx).Model(&models.RunSession{})

	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}

	var sessions []*models.RunSession
	if err := query.Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateStatus transitions a session to the given status.
//
// Terminal statuses are absorbing: once a session is stopped or errored its
// status never changes again, and repeating the same terminal transition is
// a no-op rather than an error (close is idempotent).
func (s *GORMStore) UpdateStatus(ctx context.Context, runID string, status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status: %s", status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.RunSession
		err := tx.Where("run_id = ?", runID).First(&sess).Error
		if err != nil {
			return convertNotFoundError(err, models.ErrSessionNotFound)
		}

		if sess.GetStatus().Terminal() {
			if sess.Status == string(status) {
				return nil
			}
			return models.ErrSessionTerminated
		}

		err = tx.Model(&models.RunSession{}).
			Where("run_id = ?", runID).
			Updates(map[string]any{
				"status":     string(status),
				"updated_at": models.NowMillis(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to update session status: %w", err)
		}

		logger.DebugCtx(ctx, "session status updated",
			logger.RunID(runID),
			logger.Status(string(status)))

		return nil
	})
}

// UpdateMeta replaces a session's kind-specific metadata.
func (s *GORMStore) UpdateMeta(ctx context.Context, runID string, meta map[string]any) error {
	sess := &models.RunSession{}
	if err := sess.SetMeta(meta); err != nil {
		return fmt.Errorf("failed to encode session meta: %w", err)
	}

	result := s.db.WithContext(ctx).Model(&models.RunSession{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{
			"meta":       sess.Meta,
			"updated_at": models.NowMillis(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update session meta: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// MarkStaleRunning settles every non-terminal session left over from a
// previous process. Called once on startup: a session that claims to be
// starting or running after a restart lost its process and can never
// produce events again, but its log stays queryable.
//
// Each session is settled in its own transaction: a final closed event
// with reason restart is appended while the session is still non-terminal,
// then the status flips to stopped. Returns the run ids that were
// transitioned.
func (s *GORMStore) MarkStaleRunning(ctx context.Context) ([]string, error) {
	var stale []*models.RunSession
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(models.StatusStarting), string(models.StatusRunning)}).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}

	if len(stale) == 0 {
		return nil, nil
	}

	runIDs := make([]string, 0, len(stale))
	for _, sess := range stale {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxSeq int64
			err := tx.Model(&models.SessionEvent{}).
				Where("run_id = ?", sess.RunID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&maxSeq).Error
			if err != nil {
				return fmt.Errorf("failed to read max seq: %w", err)
			}

			event := &models.SessionEvent{
				RunID:   sess.RunID,
				Seq:     maxSeq + 1,
				Channel: models.ChannelSystemStatus,
				Type:    models.TypeClosed,
				Payload: []byte(`{"reason":"restart"}`),
				Ts:      models.NowMillis(),
			}
			if err := tx.Create(event).Error; err != nil {
				return fmt.Errorf("failed to append restart event: %w", err)
			}

			return tx.Model(&models.RunSession{}).
				Where("run_id = ?", sess.RunID).
				Updates(map[string]any{
					"status":     string(models.StatusStopped),
					"updated_at": models.NowMillis(),
				}).Error
		})
		if err != nil {
			return nil, fmt.Errorf("failed to settle stale session %s: %w", sess.RunID, err)
		}
		runIDs = append(runIDs, sess.RunID)
	}

	logger.InfoCtx(ctx, "marked stale sessions as stopped", "count", len(runIDs))

	return runIDs, nil
}
