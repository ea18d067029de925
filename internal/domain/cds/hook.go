package cds

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/cdshooks/internal/platform/fhir"
)

var (
	// ErrUnknownHook is returned for hook kinds outside the supported set.
	ErrUnknownHook = errors.New("unknown hook")
	// ErrInvalidHookContext is returned when a hook context misses a required field.
	ErrInvalidHookContext = errors.New("invalid hook context")
)

const (
	HookPatientView        = "patient-view"
	HookAppointmentBook    = "appointment-book"
	HookEncounterDischarge = "encounter-discharge"
	HookEncounterStart     = "encounter-start"
	HookOrderSelect        = "order-select"
	HookOrderSign          = "order-sign"
)

// Hook is a decoded hook invocation. The set of implementations is closed.
type Hook interface {
	Kind() string
	Instance() string
	Base() HookContext
	// ContextResources returns the resources the hook context carries, such
	// as draft orders, with bundles expanded.
	ContextResources() []fhir.Resource
	sealed()
}

// HookContext holds the fields every hook context carries.
type HookContext struct {
	UserID      string `json:"userId"`
	PatientID   string `json:"patientId"`
	EncounterID string `json:"encounterId,omitempty"`
}

type hookHeader struct {
	instance string
	ctx      HookContext
}

func (h hookHeader) Instance() string  { return h.instance }
func (h hookHeader) Base() HookContext { return h.ctx }
func (hookHeader) sealed()             {}

type PatientViewHook struct{ hookHeader }

func (PatientViewHook) Kind() string                      { return HookPatientView }
func (PatientViewHook) ContextResources() []fhir.Resource { return nil }

type EncounterStartHook struct{ hookHeader }

func (EncounterStartHook) Kind() string                      { return HookEncounterStart }
func (EncounterStartHook) ContextResources() []fhir.Resource { return nil }

type EncounterDischargeHook struct{ hookHeader }

func (EncounterDischargeHook) Kind() string                      { return HookEncounterDischarge }
func (EncounterDischargeHook) ContextResources() []fhir.Resource { return nil }

type OrderSelectHook struct {
	hookHeader
	Selections  []string
	DraftOrders fhir.Resource
}

func (OrderSelectHook) Kind() string { return HookOrderSelect }
func (h OrderSelectHook) ContextResources() []fhir.Resource {
	return fhir.ExpandResources(h.DraftOrders)
}

type OrderSignHook struct {
	hookHeader
	DraftOrders fhir.Resource
}

func (OrderSignHook) Kind() string { return HookOrderSign }
func (h OrderSignHook) ContextResources() []fhir.Resource {
	return fhir.ExpandResources(h.DraftOrders)
}

type AppointmentBookHook struct {
	hookHeader
	Appointments fhir.Resource
}

func (AppointmentBookHook) Kind() string { return HookAppointmentBook }
func (h AppointmentBookHook) ContextResources() []fhir.Resource {
	return fhir.ExpandResources(h.Appointments)
}

// KnownHook reports whether kind is a supported hook.
func KnownHook(kind string) bool {
	switch kind {
	case HookPatientView, HookAppointmentBook, HookEncounterDischarge,
		HookEncounterStart, HookOrderSelect, HookOrderSign:
		return true
	}
	return false
}

type hookContextWire struct {
	HookContext
	Selections   []string      `json:"selections,omitempty"`
	DraftOrders  fhir.Resource `json:"draftOrders,omitempty"`
	Appointments fhir.Resource `json:"appointments,omitempty"`
	Appointment  fhir.Resource `json:"appointment,omitempty"`
}

// DecodeHook validates the hook kind of req and decodes its context into
// the matching variant.
func DecodeHook(req *fhir.CDSHookRequest) (Hook, error) {
	if !KnownHook(req.Hook) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHook, req.Hook)
	}

	raw, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHookContext, err)
	}
	var wire hookContextWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHookContext, err)
	}
	if wire.PatientID == "" {
		return nil, fmt.Errorf("%w: patientId is required", ErrInvalidHookContext)
	}
	header := hookHeader{instance: req.HookInstance, ctx: wire.HookContext}

	switch req.Hook {
	case HookPatientView:
		return PatientViewHook{header}, nil
	case HookEncounterStart, HookEncounterDischarge:
		if wire.EncounterID == "" {
			return nil, fmt.Errorf("%w: encounterId is required for %s", ErrInvalidHookContext, req.Hook)
		}
		if req.Hook == HookEncounterStart {
			return EncounterStartHook{header}, nil
		}
		return EncounterDischargeHook{header}, nil
	case HookOrderSelect:
		return OrderSelectHook{hookHeader: header, Selections: wire.Selections, DraftOrders: wire.DraftOrders}, nil
	case HookOrderSign:
		return OrderSignHook{hookHeader: header, DraftOrders: wire.DraftOrders}, nil
	default:
		appts := wire.Appointments
		if appts == nil {
			appts = wire.Appointment
		}
		return AppointmentBookHook{hookHeader: header, Appointments: appts}, nil
	}
}
