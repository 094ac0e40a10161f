package executor

import (
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/delegation"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
	"github.com/Mindburn-Labs/warrant/pkg/session"
)

// Request is one capability invocation as handed over by a dispatcher.
type Request struct {
	CapabilityID string         `json:"capability_id"`
	Parameters   map[string]any `json:"parameters"`
	Requester    string         `json:"requester,omitempty"`
	// OnBehalfOf names the principal whose authority is exercised. When it
	// differs from Requester a certificate chain is required.
	OnBehalfOf       string                   `json:"on_behalf_of,omitempty"`
	CertificateChain []delegation.Certificate `json:"certificate_chain,omitempty"`
	// DelegationTokens carry the chain as EdDSA JWTs instead.
	DelegationTokens []string `json:"delegation_tokens,omitempty"`
}

func (r Request) delegated() bool {
	return len(r.CertificateChain) > 0 || len(r.DelegationTokens) > 0 ||
		(r.OnBehalfOf != "" && r.OnBehalfOf != r.Requester)
}

// Response is the result of Execute. Err is nil on success. Receipt is
// nil when the request failed before a session existed.
type Response struct {
	ExecutionID string
	SessionID   string
	Output      any
	Receipt     *receipt.Receipt
	Frames      []session.Frame
	Err         *errorir.Error
	// AuditErr is set when the receipt could not be written to the sink.
	// The execution outcome is unaffected.
	AuditErr error
}

// OK reports success.
func (r *Response) OK() bool { return r.Err == nil }

// Envelope is the wire form of a Response.
type Envelope struct {
	Status       string           `json:"status"`
	ExecutionID  string           `json:"execution_id,omitempty"`
	Data         any              `json:"data,omitempty"`
	Receipt      *receipt.Receipt `json:"receipt,omitempty"`
	Frames       []session.Frame  `json:"frames,omitempty"`
	Code         string           `json:"code,omitempty"`
	Kind         errorir.Kind     `json:"kind,omitempty"`
	Class        errorir.Class    `json:"class,omitempty"`
	Details      *errorir.Details `json:"details,omitempty"`
	CapabilityID string           `json:"capability_id,omitempty"`
	Timestamp    *time.Time       `json:"timestamp,omitempty"`
	AuditError   string           `json:"audit_error,omitempty"`
}

// Envelope renders r stamped at now.
func (r *Response) Envelope(now time.Time) Envelope {
	env := Envelope{
		Status:      "success",
		ExecutionID: r.ExecutionID,
		Receipt:     r.Receipt,
		Frames:      r.Frames,
	}
	if r.AuditErr != nil {
		env.AuditError = r.AuditErr.Error()
	}
	if r.Err == nil {
		env.Data = r.Output
		return env
	}
	er := r.Err.Response(now)
	env.Status = er.Status
	env.Code = er.Code
	env.Kind = er.Kind
	env.Class = er.Class
	env.Details = &er.Details
	env.CapabilityID = er.CapabilityID
	env.Timestamp = &er.Timestamp
	return env
}
