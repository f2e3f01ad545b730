package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/franzego/notifygateway/internal/apperrors"
	"github.com/franzego/notifygateway/internal/middleware"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/internal/services"
)

type Submitter interface {
	Submit(ctx context.Context, req models.SendNotificationRequest, correlationID string) (services.Result, error)
	Get(ctx context.Context, requestID string) (models.Notification, error)
}

type Reporter interface {
	Report(ctx context.Context, req models.StatusReportRequest) (models.Notification, error)
}

type Notification struct {
	Intake     Submitter
	Reconciler Reporter
	log        zerolog.Logger
	now        func() time.Time
}

func NewNotificationHandler(intake Submitter, reconciler Reporter, log zerolog.Logger) *Notification {
	return &Notification{
		Intake:     intake,
		Reconciler: reconciler,
		log:        log,
		now:        time.Now,
	}
}

// The Post Notification Endpoint
func (no *Notification) Create(c *gin.Context) {
	var req models.SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "handlers.create", err)
		return
	}

	res, err := no.Intake.Submit(c.Request.Context(), req, middleware.GetCorrelationID(c))
	if err != nil {
		status := statusFor(err)
		resp := models.ApiResponse{
			Success: false,
			Message: messageFor(err),
			Error:   err.Error(),
		}
		if res.Outcome == services.OutcomeFailed {
			resp.Outcome = string(res.Outcome)
			resp.Data = res.Record
		}
		c.JSON(status, resp)
		return
	}

	switch res.Outcome {
	case services.OutcomeDuplicate:
		c.JSON(http.StatusOK, models.ApiResponse{
			Success: true,
			Outcome: string(res.Outcome),
			Message: "Request already received",
			Data:    res.Record,
		})
	default:
		c.JSON(http.StatusAccepted, models.ApiResponse{
			Success: true,
			Outcome: string(res.Outcome),
			Message: "Notification queued",
			Data:    res.Record,
		})
	}
}

// The Post Status Endpoint, called by the email and push consumers
func (no *Notification) ReportStatus(c *gin.Context) {
	var req models.StatusReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "handlers.report_status", err)
		return
	}

	n, err := no.Reconciler.Report(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), models.ApiResponse{
			Success: false,
			Message: messageFor(err),
			Error:   err.Error(),
		})
		return
	}

	ts := no.now().UTC().Format(time.RFC3339)
	if req.Timestamp != nil && *req.Timestamp != "" {
		ts = *req.Timestamp
	}
	c.JSON(http.StatusOK, models.ApiResponse{
		Success: true,
		Message: "Status recorded",
		Data: models.StatusReportResponse{
			Notification: n,
			Timestamp:    ts,
		},
	})
}

func (no *Notification) Get(c *gin.Context) {
	n, err := no.Intake.Get(c.Request.Context(), c.Param("request_id"))
	if err != nil {
		c.JSON(statusFor(err), models.ApiResponse{
			Success: false,
			Message: messageFor(err),
			Error:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, models.ApiResponse{
		Success: true,
		Message: "Notification found",
		Data:    n,
	})
}

// badRequest answers a body that failed to bind with the same validation
// kind the services use.
func badRequest(c *gin.Context, op string, err error) {
	err = apperrors.E(apperrors.KindValidation, op, err)
	c.JSON(http.StatusBadRequest, models.ApiResponse{
		Success: false,
		Message: messageFor(err),
		Error:   err.Error(),
	})
}

func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindDuplicate:
		return http.StatusOK
	case apperrors.KindGuardUnavailable, apperrors.KindPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return "Bad Request"
	case apperrors.KindNotFound:
		return "Notification not found"
	case apperrors.KindGuardUnavailable:
		return "Idempotency check unavailable, retry later"
	case apperrors.KindPublish:
		return "Failed to publish to queue"
	case apperrors.KindPersistence:
		return "Failed to store the notification"
	default:
		return "Internal server error"
	}
}
