// Package generator runs approved asset-generation requests in the
// background. The applier side publishes a job when a generation item is
// approved; a small worker pool consumes the jobs, drives the generation
// client and announces finished assets. Failed jobs ride the queue's retry
// and dead-letter handling.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wrldbldr/stagegate/service/approval"
	"github.com/wrldbldr/stagegate/service/broadcast"
	"github.com/wrldbldr/stagegate/service/messaging"
	"github.com/wrldbldr/stagegate/tracing"
)

// Job is one approved generation request.
type Job struct {
	ItemID  string                       `json:"itemId"`
	WorldID string                       `json:"worldId"`
	Data    approval.AssetGenerationData `json:"data"`
}

// Asset is a finished generation result.
type Asset struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	URL        string `json:"url"`
}

// Client drives the external generation backend.
type Client interface {
	Generate(ctx context.Context, data *approval.AssetGenerationData) (*Asset, error)
}

// Broadcaster announces finished assets; satisfied by *broadcast.Dispatcher.
type Broadcaster interface {
	Broadcast(ctx context.Context, worldID string, audience broadcast.Audience, msg *broadcast.Message) error
}

// Config represents generator service configuration.
type Config struct {
	// WorkerCount is the number of workers consuming generation jobs.
	WorkerCount int
}

// DefaultConfig returns the default generator configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount: 2,
	}
}

// Service consumes generation jobs.
type Service struct {
	config      Config
	queue       messaging.Queue[Job]
	client      Client
	broadcaster Broadcaster
	logger      *slog.Logger

	workerWg   sync.WaitGroup
	shutdownFn context.CancelFunc
}

// New creates a generator service.
func New(queue messaging.Queue[Job], client Client, broadcaster Broadcaster, config Config, logger *slog.Logger) (*Service, error) {
	if queue == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if client == nil {
		return nil, fmt.Errorf("generation client is required")
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:      config,
		queue:       queue,
		client:      client,
		broadcaster: broadcaster,
		logger:      logger,
	}, nil
}

// Apply publishes a job for a resolved generation item; registered with the
// decider for KindAssetGeneration. Rejected and timed-out items publish
// nothing.
func (s *Service) Apply(ctx context.Context, item *approval.Item) error {
	if item.Decision == nil || !item.Decision.Approved() {
		return nil
	}
	decoded, err := item.DecodePayload()
	if err != nil {
		return err
	}
	data, ok := decoded.(*approval.AssetGenerationData)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for item %v", decoded, item.ID)
	}
	job := &Job{ItemID: item.ID, WorldID: item.WorldID, Data: *data}
	if err := s.queue.Publish(ctx, job); err != nil {
		return fmt.Errorf("failed to publish generation job: %w", err)
	}
	s.logger.Info("generation job queued",
		"item", item.ID, "world", item.WorldID, "entity", data.EntityID)
	return nil
}

// Start spawns the worker pool.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.shutdownFn = cancel
	for i := 0; i < s.config.WorkerCount; i++ {
		s.workerWg.Add(1)
		go s.run(ctx, i)
	}
	return nil
}

// Shutdown stops the workers and waits for in-flight jobs.
func (s *Service) Shutdown() {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}
	s.workerWg.Wait()
}

func (s *Service) run(ctx context.Context, id int) {
	defer s.workerWg.Done()

	for {
		msg, err := s.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Transient error (e.g. queue closed); back off a bit.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if msg == nil {
			continue
		}
		if pErr := s.process(ctx, msg); pErr != nil {
			s.logger.Warn("generation job failed", "worker", id, "error", pErr)
		}
	}
}

func (s *Service) process(ctx context.Context, msg messaging.Message[Job]) (err error) {
	job := msg.T()
	ctx, span := tracing.StartSpan(ctx, "generator.process", "CONSUMER")
	defer func() { tracing.EndSpan(span, err) }()
	span.WithAttributes(map[string]string{"item.id": job.ItemID, "entity.id": job.Data.EntityID})

	asset, err := s.client.Generate(ctx, &job.Data)
	if err != nil {
		// Nack hands the job back to the queue's retry and DLQ machinery.
		_ = msg.Nack(err)
		return err
	}
	if s.broadcaster != nil {
		if notice, nErr := broadcast.NewMessage("asset.generated", job.WorldID, asset); nErr == nil {
			_ = s.broadcaster.Broadcast(ctx, job.WorldID, broadcast.All(), notice)
		}
	}
	s.logger.Info("asset generated", "item", job.ItemID, "entity", job.Data.EntityID, "url", asset.URL)
	return msg.Ack()
}
