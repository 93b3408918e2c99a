package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	"github.com/noah-isme/sis-registrar-api/pkg/jobs"
)

// Deliverer hands an event to the outbound notification channel. Delivery
// mechanics (mail, SMS) live outside this API.
type Deliverer interface {
	Deliver(ctx context.Context, event models.DomainEvent) error
}

// DelivererFunc allows using plain functions.
type DelivererFunc func(ctx context.Context, event models.DomainEvent) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, event models.DomainEvent) error {
	return f(ctx, event)
}

// NotificationService queues domain events for asynchronous, best-effort
// delivery. A dispatch failure is logged and retried by the queue but never
// propagates to the operation that emitted the event.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService constructs the dispatcher around a worker queue.
func NewNotificationService(deliverer Deliverer, cfg config.NotificationsConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deliverer == nil {
		deliverer = DelivererFunc(func(ctx context.Context, event models.DomainEvent) error {
			logger.Sugar().Infow("notification", "type", event.Type, "resource", event.Resource, "resource_id", event.ResourceID)
			return nil
		})
	}

	handler := func(ctx context.Context, job jobs.Job) error {
		event, ok := job.Payload.(models.DomainEvent)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		return deliverer.Deliver(ctx, event)
	}

	queue := jobs.NewQueue("notifications", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})

	return &NotificationService{queue: queue, logger: logger}
}

// Start launches the queue workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the queue workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Dispatch enqueues events fire-and-forget. Errors are logged only.
func (s *NotificationService) Dispatch(ctx context.Context, events ...models.DomainEvent) {
	for _, event := range events {
		job := jobs.Job{
			ID:      fmt.Sprintf("%s:%s", event.Type, event.ResourceID),
			Type:    string(event.Type),
			Payload: event,
		}
		if err := s.queue.Enqueue(job); err != nil {
			s.logger.Sugar().Warnw("failed to enqueue notification", "type", event.Type, "resource_id", event.ResourceID, "error", err)
		}
	}
}
