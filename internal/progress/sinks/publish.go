package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/progress"
	"github.com/JakeFAU/availability-prober/internal/publisher"
)

const defaultPublishChunk = 500

// ResultRecord is the wire form of one mirrored result.
type ResultRecord struct {
	Identifier string `json:"identifier"`
	Outcome    string `json:"outcome"`
	Shard      string `json:"shard"`
}

// ResultBatch is the payload of one published message.
type ResultBatch struct {
	RunID   string         `json:"runId"`
	Results []ResultRecord `json:"results"`
}

// PublishSink uploads results to an external aggregation topic in batches.
// Delivery is best-effort; failures are returned to the hub, which logs them.
type PublishSink struct {
	pub    publisher.Publisher
	topic  string
	chunk  int
	logger *zap.Logger
}

// NewPublishSink builds a PublishSink. chunk bounds results per message.
func NewPublishSink(pub publisher.Publisher, topic string, chunk int, logger *zap.Logger) *PublishSink {
	if chunk <= 0 {
		chunk = defaultPublishChunk
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{pub: pub, topic: topic, chunk: chunk, logger: logger}
}

// Consume publishes the RESULT events of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	byRun := make(map[[16]byte][]ResultRecord)
	var order [][16]byte
	for _, evt := range batch {
		if evt.Stage != progress.StageResult {
			continue
		}
		if _, ok := byRun[evt.RunID]; !ok {
			order = append(order, evt.RunID)
		}
		byRun[evt.RunID] = append(byRun[evt.RunID], ResultRecord{
			Identifier: evt.Identifier,
			Outcome:    evt.OutcomeString(),
			Shard:      evt.Shard,
		})
	}
	for _, runID := range order {
		records := byRun[runID]
		runLabel := progress.Event{RunID: runID}.RunUUID().String()
		for start := 0; start < len(records); start += s.chunk {
			end := min(start+s.chunk, len(records))
			id, err := s.pub.Publish(ctx, s.topic, ResultBatch{RunID: runLabel, Results: records[start:end]})
			if err != nil {
				return fmt.Errorf("publish results: %w", err)
			}
			s.logger.Debug("published result batch", zap.String("message_id", id), zap.Int("results", end-start))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
