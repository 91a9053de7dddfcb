package types

import (
	"time"

	"github.com/unitlink/unitlink/pkg/host"
)

// --- Request DTOs ---

// OpenUnitRequest is the request body for POST /units
type OpenUnitRequest struct {
	Name string `json:"name" binding:"required"`
	Addr string `json:"addr" binding:"required"`
}

// ProvisionRequest is the request body for POST /units/:name/provision/*
type ProvisionRequest struct {
	Fields map[string]any `json:"fields" binding:"required"`
}

// RunTestsRequest is the request body for POST /units/:name/tests/run.
// With All set, every advertised test runs in manifest order; otherwise
// Capability and Test select a single one.
type RunTestsRequest struct {
	All        bool           `json:"all"`
	Capability string         `json:"capability"`
	Test       string         `json:"test"`
	Params     map[string]any `json:"params"`
}

// ResetRequest is the request body for POST /units/:name/reset
type ResetRequest struct {
	Kind string `json:"kind" binding:"required"` // "consumer" or "factory"
}

// --- Response DTOs ---

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned from GET /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

// UnitSummary describes one open session
type UnitSummary struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	DeviceType  string    `json:"device_type,omitempty"`
	UnitID      string    `json:"unit_id,omitempty"`
	Provisioned bool      `json:"provisioned"`
	LastBeacon  time.Time `json:"last_beacon,omitempty"`
}

// ListUnitsResponse is returned from GET /units
type ListUnitsResponse struct {
	Units []UnitSummary `json:"units"`
	Count int           `json:"count"`
}

// StatusResponse is returned from GET /units/:name/status
type StatusResponse struct {
	Unit   string         `json:"unit"`
	Status map[string]any `json:"status"`
}

// ProvisionResponse is returned from the provisioning endpoints
type ProvisionResponse struct {
	Unit    string         `json:"unit"`
	Derived map[string]any `json:"derived,omitempty"`
}

// RunTestsResponse is returned from POST /units/:name/tests/run
type RunTestsResponse struct {
	Unit    string            `json:"unit"`
	Results []host.TestResult `json:"results"`
}

// ResetResponse is returned from POST /units/:name/reset and /reboot.
// Assumed means the confirmation never arrived and the reboot is
// presumed to have happened.
type ResetResponse struct {
	Unit    string `json:"unit"`
	Status  string `json:"status"`
	Assumed bool   `json:"assumed"`
}
