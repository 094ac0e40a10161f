package executor

import (
	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/session"
)

// call is the handler's view of one execution.
type call struct {
	executionID string
	req         Request
	params      map[string]any
	sess        *session.Session
}

var _ capability.Call = (*call)(nil)

func (c *call) CapabilityID() string      { return c.req.CapabilityID }
func (c *call) ExecutionID() string       { return c.executionID }
func (c *call) Requester() string         { return c.req.Requester }
func (c *call) Params() map[string]any    { return c.params }
func (c *call) Session() *session.Session { return c.sess }

func (c *call) Yield(stream string, payload any) error {
	_, err := c.sess.Yield(stream, payload)
	return err
}
