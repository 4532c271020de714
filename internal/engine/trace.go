package engine

import (
	"time"
)

// Tracer receives operation traces. Log is for every filesystem call, TX
// for control and flush operations.
type Tracer interface {
	Log(format string, args ...any)
	TX(format string, args ...any)
}

type nopTracer struct{}

func (nopTracer) Log(string, ...any) {}
func (nopTracer) TX(string, ...any)  {}

// CallState is the stage a dispatched call has reached.
type CallState uint8

const (
	Received CallState = iota
	Resolved
	Consulted
	Journaled
	Completed
)

var callStateNames = [...]string{"received", "resolved", "consulted", "journaled", "completed"}

func (s CallState) String() string {
	if int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return "unknown"
}

// call follows one operation through its states.
type call struct {
	trace Tracer
	op    string
	path  string
	state CallState
	start time.Time
}

func (e *Engine) begin(op, p string) *call {
	c := &call{trace: e.trace, op: op, path: p, start: time.Now()}
	c.trace.Log("%s %s: %s", op, p, Received)
	return c
}

func (c *call) to(s CallState) {
	c.state = s
	c.trace.Log("%s %s: %s", c.op, c.path, s)
}

// done marks the call completed and passes err through.
func (c *call) done(err error) error {
	c.state = Completed
	if err != nil {
		c.trace.Log("%s %s: %s err=%v (%s)", c.op, c.path, Completed, err, time.Since(c.start))
		return err
	}
	c.trace.Log("%s %s: %s (%s)", c.op, c.path, Completed, time.Since(c.start))
	return nil
}
