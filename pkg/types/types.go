package types

// Wire shapes of the voice-assistant smart home API. Capability and
// property state payloads are schemaless by design, so they stay as
// generic maps.

const (
	ErrorDeviceNotFound    = "DEVICE_NOT_FOUND"
	ErrorDeviceUnreachable = "DEVICE_UNREACHABLE"

	StatusDone  = "DONE"
	StatusError = "ERROR"
)

type DeviceInfo struct {
	Model string `json:"model"`
}

type CapabilityDescription struct {
	Type        string         `json:"type"`
	Retrievable bool           `json:"retrievable"`
	Reportable  bool           `json:"reportable"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

type DeviceDescription struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Type         string                  `json:"type"`
	Capabilities []CapabilityDescription `json:"capabilities"`
	Properties   []CapabilityDescription `json:"properties"`
	DeviceInfo   DeviceInfo              `json:"device_info"`
}

// StateView is a capability or property state as reported by query
// and state-callback payloads.
type StateView struct {
	Type  string         `json:"type"`
	State map[string]any `json:"state"`
}

type DeviceState struct {
	ID           string      `json:"id"`
	Capabilities []StateView `json:"capabilities,omitempty"`
	Properties   []StateView `json:"properties,omitempty"`
	ErrorCode    string      `json:"error_code,omitempty"`
}

type QueryRequest struct {
	Devices []struct {
		ID string `json:"id"`
	} `json:"devices"`
}

type ActionRequest struct {
	Payload struct {
		Devices []ActionDevice `json:"devices"`
	} `json:"payload"`
}

type ActionDevice struct {
	ID           string      `json:"id"`
	Capabilities []StateView `json:"capabilities"`
}

// ActionResult mirrors the acted-on capability with a per-instance
// action_result status instead of a value.
type ActionResult struct {
	Type  string         `json:"type"`
	State map[string]any `json:"state"`
}

func NewActionResult(capabilityType, instance, status string) ActionResult {
	return ActionResult{
		Type: capabilityType,
		State: map[string]any{
			"instance":      instance,
			"action_result": map[string]any{"status": status},
		},
	}
}

type ActionDeviceResult struct {
	ID           string         `json:"id"`
	Capabilities []ActionResult `json:"capabilities,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ActionResult map[string]any `json:"action_result,omitempty"`
}
