package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/remote-scheduler/internal/worker/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming with manual acks
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return deliveries, nil
}

// startMessageDispatcher hands deliveries to the worker pool until ctx is canceled
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			msg, err := parseMessage(delivery.Body)
			if err != nil {
				w.logger.Error("Rejecting malformed message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// malformed messages go to the dead letter exchange, if any
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}
			msg.Delivery = delivery

			select {
			case w.jobsChan <- msg:
			case <-ctx.Done():
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.Any("error", nackErr))
				}
				return
			}
		}
	}
}

func parseMessage(body []byte) (*domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid message JSON: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}
	return &msg, nil
}
