package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/franzego/notifygateway/internal/apperrors"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/internal/store"
)

const defaultFailureReason = "delivery failed"

// Reconciler applies delivery outcomes reported by consumers.
type Reconciler struct {
	store   NotificationStore
	timeout time.Duration
	log     zerolog.Logger
}

func NewReconciler(store NotificationStore, timeout time.Duration, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, timeout: timeout, log: log}
}

// ParseReportStatus accepts the terminal statuses a consumer may report.
// "delivered" is what the email and push consumers send for success.
func ParseReportStatus(s string) (models.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent", "delivered":
		return models.StatusSent, true
	case "failed":
		return models.StatusFailed, true
	}
	return "", false
}

// Report moves the record to the reported terminal status. Reports against a
// record that is already terminal return it unchanged; unknown identifiers
// yield a not_found error and create nothing.
func (r *Reconciler) Report(ctx context.Context, req models.StatusReportRequest) (models.Notification, error) {
	const op = "reconciler.report"
	if strings.TrimSpace(req.NotificationID) == "" {
		return models.Notification{}, apperrors.Validation(op, "notification_id is required")
	}
	status, ok := ParseReportStatus(req.Status)
	if !ok {
		return models.Notification{}, apperrors.Validation(op, "status must be one of sent, failed")
	}
	update := models.StatusUpdate{
		RequestID:         req.NotificationID,
		Status:            status,
		IncrementAttempts: true,
	}
	if status == models.StatusFailed {
		reason := defaultFailureReason
		if req.Error != nil && strings.TrimSpace(*req.Error) != "" {
			reason = *req.Error
		}
		update.Error = &reason
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.store.ApplyStatus(ctx, update)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Notification{}, apperrors.E(apperrors.KindNotFound, op, err)
		}
		r.log.Error().Err(err).Str("request_id", req.NotificationID).Msg("failed to apply status report")
		return models.Notification{}, apperrors.E(apperrors.KindPersistence, op, err)
	}
	if n.Status != status {
		r.log.Info().
			Str("request_id", n.RequestID).
			Str("current", string(n.Status)).
			Str("reported", string(status)).
			Msg("status report ignored for terminal record")
	}
	return n, nil
}
