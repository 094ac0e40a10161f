package errorir

import "time"

// Details is the details object of an error response.
type Details struct {
	Field    string   `json:"field,omitempty"`
	Error    string   `json:"error"`
	Recovery Recovery `json:"recovery"`
}

// Response is the wire form of a failed execution:
// {status:"error", code, details:{field, error, recovery}, capability_id, timestamp}.
type Response struct {
	Status       string    `json:"status"`
	Code         string    `json:"code"`
	Kind         Kind      `json:"kind"`
	Class        Class     `json:"class"`
	Details      Details   `json:"details"`
	CapabilityID string    `json:"capability_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Response renders e as an error response stamped at now (UTC).
func (e *Error) Response(now time.Time) Response {
	msg := e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return Response{
		Status: "error",
		Code:   e.Code,
		Kind:   e.Kind,
		Class:  e.Class,
		Details: Details{
			Field:    e.Field,
			Error:    msg,
			Recovery: e.Recovery,
		},
		CapabilityID: e.CapabilityID,
		Timestamp:    now.UTC(),
	}
}
