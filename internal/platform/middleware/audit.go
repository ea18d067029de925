package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/cdshooks/internal/platform/auth"
)

// AuditEntry records one call to a CDS service endpoint.
type AuditEntry struct {
	Client     string
	ServiceID  string
	Action     string // discovery, hook, feedback
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Latency    time.Duration
	Timestamp  time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request under /cds-services with the calling client. When
// a recorder is given the entry is also handed to it; recorder failures are
// logged and never fail the request.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/cds-services") {
				return next(c)
			}
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			serviceID, action := classifyCDSPath(req.URL.Path)
			entry := AuditEntry{
				Client:     auth.ClientFromContext(c.Request().Context()),
				ServiceID:  serviceID,
				Action:     action,
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  rid,
				StatusCode: status,
				Latency:    time.Since(start),
				Timestamp:  start.UTC(),
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", rid).Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status >= http.StatusBadRequest {
				evt = logger.Warn()
			}
			evt.
				Str("type", "cds_audit").
				Str("request_id", entry.RequestID).
				Str("client", entry.Client).
				Str("service_id", entry.ServiceID).
				Str("action", entry.Action).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Dur("latency", entry.Latency).
				Msg("cds_access")

			return err
		}
	}
}

// classifyCDSPath splits /cds-services[/id[/feedback]] into its service id
// and action.
func classifyCDSPath(path string) (serviceID, action string) {
	rest := strings.Trim(strings.TrimPrefix(path, "/cds-services"), "/")
	if rest == "" {
		return "", "discovery"
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 1 && parts[1] == "feedback" {
		return parts[0], "feedback"
	}
	return parts[0], "hook"
}
