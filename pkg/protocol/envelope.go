package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the unit-side dispatcher.
const (
	CmdEnterServiceMode  = "enter_service_mode"
	CmdExitServiceMode   = "exit_service_mode"
	CmdGetStatus         = "get_status"
	CmdGetCapabilities   = "get_capabilities"
	CmdFactoryProvision  = "factory_provision"
	CmdConsumerProvision = "consumer_provision"
	CmdRunTest           = "run_test"
	CmdConsumerReset     = "consumer_reset"
	CmdFactoryReset      = "factory_reset"
	CmdReboot            = "reboot"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes carried in Response.Data under "error_code".
const (
	CodeParseError       = "parse_error"
	CodeInvalidCommand   = "invalid_command"
	CodeUnknownCommand   = "unknown_command"
	CodeUnsupportedCmd   = "unsupported_command"
	CodeMissingData      = "missing_data"
	CodeMissingFields    = "missing_fields"
	CodeWindowExpired    = "window_expired"
	CodeNotInServiceMode = "not_in_service_mode"
	CodeNotProvisioned   = "not_provisioned"
	CodeValidationFailed = "validation_failed"
	CodeInternalError    = "internal_error"
)

// TimeoutCode returns the capability-scoped timeout error code,
// e.g. "rfid_timeout" for the rfid capability.
func TimeoutCode(capability string) string {
	return capability + "_timeout"
}

// CommFailedCode returns the capability-scoped hardware failure code,
// e.g. "wifi_comm_failed" for the wifi capability.
func CommFailedCode(capability string) string {
	return capability + "_comm_failed"
}

// Request is a single command envelope sent host → unit. Requests without
// an ID are fire-and-forget probes; they still receive a reply but the
// reply carries no ID either.
type Request struct {
	ID         string         `json:"id,omitempty"`
	Cmd        string         `json:"cmd"`
	Capability string         `json:"capability,omitempty"`
	TestName   string         `json:"test_name,omitempty"`
	Params     map[string]any `json:"params,omitempty"`

	// Data is the legacy spelling of Params. Older hosts send it and
	// both forms mean the same thing; Payload folds them together.
	Data map[string]any `json:"data,omitempty"`
}

// Payload returns the request's parameter object, preferring the modern
// "params" key over the legacy "data" key.
func (r *Request) Payload() map[string]any {
	if r.Params != nil {
		return r.Params
	}
	return r.Data
}

// Response is a single reply envelope sent unit → host.
type Response struct {
	ID      string         `json:"id,omitempty"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// OK reports whether the response carries a success status.
func (r *Response) OK() bool {
	return r.Status == StatusOK
}

// ErrorCode returns the error code carried in the response data,
// or "" when none is present.
func (r *Response) ErrorCode() string {
	if r.Data == nil {
		return ""
	}
	code, _ := r.Data["error_code"].(string)
	return code
}

// OKResponse builds a success response correlated to the given request ID.
func OKResponse(id string, data map[string]any) Response {
	return Response{ID: id, Status: StatusOK, Data: data}
}

// ErrResponse builds an error response with the given code and
// human-readable message. Extra fields are merged into the data object
// alongside the error code.
func ErrResponse(id, code, message string, extra map[string]any) Response {
	data := map[string]any{"error_code": code}
	for k, v := range extra {
		data[k] = v
	}
	return Response{ID: id, Status: StatusError, Message: message, Data: data}
}

// Beacon message type marker.
const TypeBeacon = "beacon"

// Beacon is the unsolicited periodic status message a unit emits while in
// service mode. It lets a host that just opened the transport learn device
// identity and provisioning state without issuing any command.
type Beacon struct {
	Type            string `json:"type"`
	DeviceType      string `json:"device_type"`
	Name            string `json:"name"`
	Firmware        string `json:"firmware"`
	FirmwareVersion string `json:"fw_version"`
	MAC             string `json:"mac"`
	UnitID          string `json:"unit_id,omitempty"`
	Provisioned     bool   `json:"provisioned"`
	FreeMem         uint64 `json:"free_mem"`
}

// ParseRequest decodes a structured line into a Request, rejecting
// envelopes without a command name.
func ParseRequest(raw json.RawMessage) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Cmd == "" {
		return nil, fmt.Errorf("request has no cmd field")
	}
	return &req, nil
}
