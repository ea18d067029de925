package cds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/cdshooks/internal/platform/fhir"
	"github.com/ehr/cdshooks/pkg/pagination"
)

// Handler serves the CDS Hooks 2.0 HTTP surface.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the discovery endpoint publicly and the service
// endpoints behind the given middleware (typically CDS client JWT auth).
func (h *Handler) RegisterRoutes(e *echo.Echo, protect ...echo.MiddlewareFunc) {
	e.GET("/cds-services", h.Discovery)
	g := e.Group("/cds-services", protect...)
	g.POST("/:id", h.HandleHook)
	g.POST("/:id/feedback", h.HandleFeedback)
}

// RegisterAdminRoutes registers operational endpoints on an authenticated group.
func (h *Handler) RegisterAdminRoutes(g *echo.Group) {
	g.POST("/rules/reload", h.ReloadRules)
	g.GET("/feedback/:id", h.ListFeedback)
}

// Discovery handles GET /cds-services.
func (h *Handler) Discovery(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Discovery(c.Request().Context()))
}

// HandleHook handles POST /cds-services/:id.
func (h *Handler) HandleHook(c echo.Context) error {
	serviceID := c.Param("id")

	var req fhir.CDSHookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fmt.Sprintf("invalid request body: %v", err)))
	}
	if req.HookInstance == "" {
		return c.JSON(http.StatusBadRequest, fhir.RequiredFieldOutcome("hookInstance"))
	}

	resp, err := h.svc.Evaluate(c.Request().Context(), serviceID, &req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, ErrUnknownService):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("CDS Service", serviceID))
	case errors.Is(err, ErrHookMismatch), errors.Is(err, ErrUnknownHook), errors.Is(err, ErrInvalidHookContext):
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	case errors.Is(c.Request().Context().Err(), context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, fhir.TimeoutOutcome())
	default:
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(ErrEvaluation.Error()))
	}
}

// HandleFeedback handles POST /cds-services/:id/feedback.
func (h *Handler) HandleFeedback(c echo.Context) error {
	serviceID := c.Param("id")

	var fb fhir.CDSFeedbackRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&fb); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(fmt.Sprintf("invalid feedback body: %v", err)))
	}

	_, err := h.svc.RecordFeedback(c.Request().Context(), serviceID, &fb)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrUnknownService):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("CDS Service", serviceID))
	case errors.Is(err, ErrInvalidFeedback):
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("failed to store feedback"))
	}
}

// ReloadRules handles POST /admin/rules/reload.
func (h *Handler) ReloadRules(c echo.Context) error {
	if err := h.svc.Reload(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"services": len(h.svc.rules.All()),
	})
}

// ListFeedback handles GET /admin/feedback/:id.
func (h *Handler) ListFeedback(c echo.Context) error {
	p := pagination.FromContext(c)
	records, total, err := h.svc.ListFeedback(c.Request().Context(), c.Param("id"), p.Limit, p.Offset)
	if errors.Is(err, ErrNoFeedbackStore) {
		return c.JSON(http.StatusNotImplemented, fhir.ErrorOutcome(err.Error()))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []*FeedbackRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, p))
}
