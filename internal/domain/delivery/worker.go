package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/notify/internal/domain/notification"
	"github.com/ehr/notify/internal/platform/queue"
	"github.com/ehr/notify/internal/platform/sender"
)

// Reporter is the worker's view of the tracker: it reads the current attempt
// and records outcomes.
type Reporter interface {
	Attempt(ctx context.Context, notificationID uuid.UUID, ch notification.Channel) (*Attempt, error)
	Report(ctx context.Context, r Report) (*ReportResult, error)
}

// ContentSource loads what a worker needs to render a delivery.
type ContentSource interface {
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	PushSubscription(ctx context.Context, endpoint string) (*notification.PushSubscription, error)
}

const defaultSendTimeout = 30 * time.Second

// Worker sends queued deliveries through the channel senders and reports
// each outcome back to the tracker.
type Worker struct {
	reporter    Reporter
	content     ContentSource
	senders     map[notification.Channel]sender.Sender
	logger      zerolog.Logger
	sendTimeout time.Duration
}

// NewWorker builds a worker. Channels missing from senders are reported as
// unconfigured.
func NewWorker(reporter Reporter, content ContentSource, senders map[notification.Channel]sender.Sender, logger zerolog.Logger) *Worker {
	return &Worker{
		reporter:    reporter,
		content:     content,
		senders:     senders,
		logger:      logger.With().Str("component", "delivery_worker").Logger(),
		sendTimeout: defaultSendTimeout,
	}
}

// Run consumes deliveries with n concurrent handlers until ctx is cancelled
// or the consumer closes.
func (w *Worker) Run(ctx context.Context, c queue.Consumer, n int) error {
	if n < 1 {
		n = 1
	}
	deliveries, err := c.Consume(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					w.process(ctx, d)
				}
			}
		})
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, d queue.Delivery) {
	if err := w.Handle(ctx, d.Message); err != nil {
		w.logger.Error().Err(err).
			Str("notification_id", d.Message.NotificationID.String()).
			Str("channel", d.Message.Channel).
			Msg("delivery handling failed, leaving attempt for the stale sweep")
		if err := d.Nack(false); err != nil {
			w.logger.Error().Err(err).Msg("nack failed")
		}
		return
	}
	if err := d.Ack(); err != nil {
		w.logger.Error().Err(err).Msg("ack failed")
	}
}

// Handle delivers one message. Messages for an attempt that is no longer
// queued, or that has moved to a later attempt number, are dropped without
// sending. It returns an error only when the attempt state could not be read
// or the outcome could not be recorded.
func (w *Worker) Handle(ctx context.Context, msg queue.DeliveryMessage) error {
	ch := notification.Channel(msg.Channel)
	log := w.logger.With().
		Str("notification_id", msg.NotificationID.String()).
		Str("channel", msg.Channel).
		Int("attempt", msg.AttemptNumber).
		Logger()
	if !ch.Valid() || ch == notification.ChannelSocket {
		log.Warn().Msg("dropping delivery for unsupported channel")
		return nil
	}

	current, err := w.reporter.Attempt(ctx, msg.NotificationID, ch)
	if errors.Is(err, ErrNotFound) {
		log.Warn().Msg("no delivery attempt recorded, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if current.Status != StatusQueued || current.AttemptNumber != msg.AttemptNumber {
		log.Debug().
			Str("status", string(current.Status)).
			Int("current_attempt", current.AttemptNumber).
			Msg("attempt already handled, dropping duplicate delivery")
		return nil
	}

	n, err := w.content.Get(ctx, msg.NotificationID)
	if errors.Is(err, notification.ErrNotFound) {
		log.Warn().Msg("notification no longer exists, dropping delivery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification: %w", err)
	}

	report := Report{NotificationID: msg.NotificationID, Channel: ch, AttemptNumber: msg.AttemptNumber}
	s, ok := w.senders[ch]
	if !ok {
		report.Status = StatusFailed
		report.ErrorCode = CodeChannelUnconfigured
		report.ErrorMessage = fmt.Sprintf("no sender configured for %s", ch)
		return w.report(ctx, report)
	}

	out := sender.Message{
		To:      msg.TargetAddress,
		Subject: n.Title,
		Body:    n.Body,
		Data:    n.Payload,
		Urgent:  n.Priority == notification.PriorityUrgent,
	}
	if ch == notification.ChannelPush {
		sub, err := w.content.PushSubscription(ctx, msg.TargetAddress)
		switch {
		case errors.Is(err, notification.ErrNotFound), err == nil && !sub.Active:
			report.Status = StatusRejected
			report.ErrorCode = CodeUnsubscribed
			report.ErrorMessage = "push subscription no longer active"
			return w.report(ctx, report)
		case err != nil:
			return fmt.Errorf("load push subscription: %w", err)
		}
		out.P256dh, out.Auth = sub.P256dh, sub.Auth
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	providerID, err := s.Send(sendCtx, out)
	cancel()
	if err != nil {
		outcome, code, message := sender.Classify(err)
		report.Status = Status(outcome)
		report.ErrorCode = code
		report.ErrorMessage = message
		log.Warn().Err(err).Str("error_code", code).Msg("send failed")
	} else {
		report.Status = StatusSent
		report.ProviderMessageID = providerID
	}
	return w.report(ctx, report)
}

func (w *Worker) report(ctx context.Context, r Report) error {
	_, err := w.reporter.Report(ctx, r)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
