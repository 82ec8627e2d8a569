package worker

import (
	"context"

	"storefront-service/internal/broker"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// EventSource is a consumer group subscription.
// Implementations: broker.Consumer
type EventSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// OrderWorker settles orders from payment events
type OrderWorker struct {
	consumer     EventSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(consumer EventSource, settlement *service.SettlementService) *OrderWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnPaymentSuccess(settlement.HandlePaymentSuccess)
	eventHandler.OnPaymentFailed(settlement.HandlePaymentFailed)

	return &OrderWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks until ctx is cancelled
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.consumer.Close()
}
