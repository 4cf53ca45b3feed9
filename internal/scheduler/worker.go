package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WorkerConfig configures the continuation worker.
type WorkerConfig struct {
	RedisClient   redis.UniversalClient
	Scheduler     *Scheduler
	Topic         string
	ConsumerGroup string
}

// QueueStats holds queue statistics.
type QueueStats struct {
	StreamLength int64
	Pending      int64
	Consumers    int64
}

// Worker consumes snapshot continuation jobs from Redis Streams and resumes
// the named snapshot.
type Worker struct {
	router        *message.Router
	scheduler     *Scheduler
	redisClient   redis.UniversalClient
	topic         string
	consumerGroup string
}

// NewWorker creates a new Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	logger := watermill.NewSlogLogger(nil)

	sub, err := redisstream.NewSubscriber(
		redisstream.SubscriberConfig{
			Client:        cfg.RedisClient,
			ConsumerGroup: cfg.ConsumerGroup,
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		router:        router,
		scheduler:     cfg.Scheduler,
		redisClient:   cfg.RedisClient,
		topic:         cfg.Topic,
		consumerGroup: cfg.ConsumerGroup,
	}

	router.AddNoPublisherHandler(
		"continue-snapshot",
		cfg.Topic,
		sub,
		w.handleContinuation,
	)

	return w, nil
}

// handleContinuation processes a single continuation message.
func (w *Worker) handleContinuation(msg *message.Message) error {
	start := time.Now()
	msgUUID := msg.UUID

	snapshotID, err := uuid.Parse(string(msg.Payload))
	if err != nil {
		slog.Warn("worker invalid payload",
			"msg_uuid", msgUUID,
			"payload", string(msg.Payload),
		)
		return nil // ack invalid messages to avoid infinite retry
	}

	slog.Info("worker resume start",
		"snapshot_id", snapshotID,
		"msg_uuid", msgUUID,
	)

	ctx := context.Background()
	result, err := w.scheduler.Resume(ctx, snapshotID)
	duration := time.Since(start)
	if err != nil {
		// Fatal outcomes are terminal; redelivering would re-run a failed
		// snapshot forever.
		if errors.Is(err, ErrMaxIterations) {
			slog.Error("worker resume fatal",
				"snapshot_id", snapshotID,
				"msg_uuid", msgUUID,
				"duration_ms", duration.Milliseconds(),
				"err", err,
			)
			return nil
		}
		slog.Error("worker resume failed",
			"snapshot_id", snapshotID,
			"msg_uuid", msgUUID,
			"duration_ms", duration.Milliseconds(),
			"err", err,
		)
		// Delay before retry to avoid hammering on errors
		time.Sleep(5 * time.Second)
		return err // will be redelivered
	}

	slog.Info("worker resume done",
		"snapshot_id", snapshotID,
		"msg_uuid", msgUUID,
		"status", result.Status,
		"cursor", result.Cursor,
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// Run starts the worker. It blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.router.Run(ctx)
}

// Close closes the worker.
func (w *Worker) Close() error {
	return w.router.Close()
}

// QueueStats returns current queue statistics.
func (w *Worker) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats

	length, err := w.redisClient.XLen(ctx, w.topic).Result()
	if err != nil {
		return stats, err
	}
	stats.StreamLength = length

	groups, err := w.redisClient.XInfoGroups(ctx, w.topic).Result()
	if err != nil {
		// Stream might not exist yet
		return stats, nil
	}

	for _, g := range groups {
		if g.Name == w.consumerGroup {
			stats.Pending = g.Pending
			stats.Consumers = g.Consumers
			break
		}
	}

	return stats, nil
}

// LogQueueStats logs current queue statistics.
func (w *Worker) LogQueueStats(ctx context.Context) {
	stats, err := w.QueueStats(ctx)
	if err != nil {
		slog.Warn("worker queue stats error", "err", err)
		return
	}

	slog.Info("worker queue stats",
		"stream_length", stats.StreamLength,
		"pending", stats.Pending,
		"consumers", stats.Consumers,
	)
}
