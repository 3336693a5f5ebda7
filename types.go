package dispenser

import (
	"encoding/json"
	"fmt"
)

// DefaultEmergencyReason is sent with /emergency-stop when the operator gives no reason.
const DefaultEmergencyReason = "Emergency stop pressed"

// DispenseRequest is the payload of POST /dispense.
// Volumes are in millilitres and bounded by the slider ranges.
type DispenseRequest struct {
	// Water is the requested water volume in ml
	Water float64 `json:"water"`

	// Syrup is the requested syrup volume in ml
	Syrup float64 `json:"syrup"`
}

// Validate checks both volumes are non-negative and within their bounds.
func (r *DispenseRequest) Validate(waterMax, syrupMax float64) error {
	if r.Water < 0 || r.Syrup < 0 {
		return fmt.Errorf("volumes must be non-negative (water=%g, syrup=%g)", r.Water, r.Syrup)
	}
	if r.Water > waterMax {
		return fmt.Errorf("water volume %g exceeds maximum %g", r.Water, waterMax)
	}
	if r.Syrup > syrupMax {
		return fmt.Errorf("syrup volume %g exceeds maximum %g", r.Syrup, syrupMax)
	}
	return nil
}

// DispenseResponse is the optional body returned by POST /dispense.
type DispenseResponse struct {
	// Message is a human-readable result, only sent by older backends
	Message string `json:"message,omitempty"`

	// Status is the backend state string (e.g. "started")
	Status string `json:"status,omitempty"`
}

// EmergencyStopRequest is the payload of POST /emergency-stop.
type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

// EventType classifies a history event.
type EventType string

const (
	EventTypeDispense  EventType = "DISPENSE"
	EventTypeEmergency EventType = "EMERGENCY"
	EventTypeInfo      EventType = "INFO"
)

// HistoryEvent is one backend-recorded dispense or emergency-stop record.
// The backend returns them in creation order.
type HistoryEvent struct {
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Timestamp string    `json:"timestamp"`
}

// DeviceStatus is the body of GET /esp32/status.
type DeviceStatus struct {
	Connected bool `json:"connected"`
}

// Marshal implements the Codec interface for DispenseRequest
func (r *DispenseRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for DispenseRequest
func (r *DispenseRequest) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Marshal implements the Codec interface for EmergencyStopRequest
func (r *EmergencyStopRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal implements the Codec interface for EmergencyStopRequest
func (r *EmergencyStopRequest) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Unmarshal implements the Codec interface for DispenseResponse
func (r *DispenseResponse) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// Unmarshal implements the Codec interface for DeviceStatus
func (s *DeviceStatus) Unmarshal(data []byte) error {
	return json.Unmarshal(data, s)
}
