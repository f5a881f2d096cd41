package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/progress"
	"github.com/JakeFAU/availability-prober/internal/store"
)

// StoreSink mirrors run lifecycle and results into a store.ResultRepository.
// Results are grouped per run so each batch costs one insert per run.
type StoreSink struct {
	repo   store.ResultRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ResultRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events in order and results in bulk. It respects
// ctx deadlines and returns any repository errors.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	rows := make(map[uuid.UUID][]store.ResultRow)
	var order []uuid.UUID

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.Shard, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageResult:
			if _, ok := rows[runID]; !ok {
				order = append(order, runID)
			}
			rows[runID] = append(rows[runID], store.ResultRow{
				Shard:      evt.Shard,
				Identifier: evt.Identifier,
				Outcome:    evt.OutcomeString(),
				Attempts:   evt.Attempts,
				CheckedAt:  evt.TS,
			})
		}
	}

	for _, runID := range order {
		if err := s.repo.InsertResults(ctx, runID, rows[runID]); err != nil {
			return fmt.Errorf("insert results: %w", err)
		}
	}

	// Completion is applied after the final results of the batch land.
	for _, evt := range batch {
		if err := s.handleCompletion(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) handleCompletion(ctx context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageRunDone:
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, store.RunSuccess, nil); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	case progress.StageRunError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
