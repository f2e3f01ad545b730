package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/franzego/notifygateway/internal/apperrors"
	"github.com/franzego/notifygateway/internal/idempotency"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/internal/queue"
	"github.com/franzego/notifygateway/internal/store"
)

type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

type NotificationStore interface {
	InsertPending(ctx context.Context, n *models.Notification) (models.Notification, bool, error)
	Get(ctx context.Context, requestID string) (models.Notification, error)
	ApplyStatus(ctx context.Context, u models.StatusUpdate) (models.Notification, error)
}

type Result struct {
	Outcome Outcome
	Record  models.Notification
}

// Intake sequences validate, dedupe, persist, publish for one request.
type Intake struct {
	guard   idempotency.Guard
	store   NotificationStore
	queue   queue.Queuer
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewIntake(guard idempotency.Guard, store NotificationStore, q queue.Queuer, timeout time.Duration, log zerolog.Logger) *Intake {
	return &Intake{
		guard:   guard,
		store:   store,
		queue:   q,
		timeout: timeout,
		log:     log,
		now:     time.Now,
	}
}

// Validate checks request shape only; it never touches a collaborator.
func Validate(req models.SendNotificationRequest) error {
	const op = "intake.validate"
	switch {
	case strings.TrimSpace(req.RequestID) == "":
		return apperrors.Validation(op, "request_id is required")
	case strings.TrimSpace(req.UserID) == "":
		return apperrors.Validation(op, "user_id is required")
	case strings.TrimSpace(req.TemplateCode) == "":
		return apperrors.Validation(op, "template_code is required")
	case !req.NotificationType.Valid():
		return apperrors.Validation(op, "notification_type must be one of email, push")
	case req.Variables == nil:
		return apperrors.Validation(op, "variables is required")
	}
	return nil
}

func toNotification(req models.SendNotificationRequest) models.Notification {
	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}
	return models.Notification{
		RequestID:        req.RequestID,
		UserID:           req.UserID,
		NotificationType: req.NotificationType,
		TemplateCode:     req.TemplateCode,
		Variables:        req.Variables,
		Priority:         priority,
		Metadata:         req.Metadata,
	}
}

// Submit runs the intake pipeline. A duplicate is a normal Result, not an
// error. On publish failure the record is marked failed and returned together
// with a publish_failure error.
func (s *Intake) Submit(ctx context.Context, req models.SendNotificationRequest, correlationID string) (Result, error) {
	if err := Validate(req); err != nil {
		return Result{}, err
	}
	n := toNotification(req)
	log := s.log.With().
		Str("request_id", n.RequestID).
		Str("correlation_id", correlationID).
		Logger()

	decision, err := s.guard.CheckAndMark(ctx, &n)
	if err != nil {
		log.Error().Err(err).Msg("idempotency check failed")
		return Result{}, err
	}
	if decision.Duplicate {
		log.Info().Msg("duplicate request")
		return Result{Outcome: OutcomeDuplicate, Record: s.existing(ctx, decision, n.RequestID, log)}, nil
	}

	record := decision.Record
	if record == nil {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		inserted, created, err := s.store.InsertPending(opCtx, &n)
		cancel()
		if err != nil {
			if rerr := s.guard.Release(context.WithoutCancel(ctx), n.RequestID); rerr != nil {
				log.Error().Err(rerr).Msg("failed to release idempotency key")
			}
			log.Error().Err(err).Msg("failed to persist notification")
			return Result{}, apperrors.E(apperrors.KindPersistence, "intake.persist", err)
		}
		if !created {
			log.Info().Msg("duplicate request caught by store")
			return Result{Outcome: OutcomeDuplicate, Record: inserted}, nil
		}
		record = &inserted
	}

	msg := models.NewQueueMessage(*record, s.now())
	msg.CorrelationID = correlationID

	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.queue.Publish(pubCtx, msg)
	cancel()

	// past this point the publish is either acked or definitively failed;
	// the compensating status write must not be cut short by the caller
	detached := context.WithoutCancel(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to publish notification")
		reason := err.Error()
		failed, uerr := s.applyStatus(detached, models.StatusUpdate{
			RequestID: record.RequestID,
			Status:    models.StatusFailed,
			Error:     &reason,
		})
		if uerr != nil {
			log.Error().Err(uerr).Msg("failed to mark notification failed")
			failed = *record
		}
		return Result{Outcome: OutcomeFailed, Record: failed}, apperrors.E(apperrors.KindPublish, "intake.publish", err)
	}

	queued, err := s.applyStatus(detached, models.StatusUpdate{
		RequestID: record.RequestID,
		Status:    models.StatusQueued,
	})
	if err != nil {
		// the broker holds the message; a pending record is still consistent
		log.Warn().Err(err).Msg("published but failed to mark notification queued")
		queued = *record
	}
	log.Info().Str("type", string(queued.NotificationType)).Msg("notification queued")
	return Result{Outcome: OutcomeQueued, Record: queued}, nil
}

func (s *Intake) applyStatus(ctx context.Context, u models.StatusUpdate) (models.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.ApplyStatus(ctx, u)
}

// existing resolves the record to answer a duplicate with. The cache strategy
// carries none, and the first request may still be in flight, in which case
// only the identifier is known.
func (s *Intake) existing(ctx context.Context, d idempotency.Decision, requestID string, log zerolog.Logger) models.Notification {
	if d.Record != nil {
		return *d.Record
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.store.Get(ctx, requestID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("failed to load record for duplicate request")
		}
		return models.Notification{RequestID: requestID}
	}
	return n
}

func (s *Intake) Get(ctx context.Context, requestID string) (models.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.store.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Notification{}, apperrors.E(apperrors.KindNotFound, "intake.get", err)
		}
		return models.Notification{}, apperrors.E(apperrors.KindPersistence, "intake.get", err)
	}
	return n, nil
}
