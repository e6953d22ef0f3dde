package lock

import (
	"context"
	"time"
)

// Local grants every acquisition and every release. It provides no
// exclusion at all and is unsafe whenever more than one process, or more
// than one goroutine expecting exclusivity, touches the protected resource.
// It exists so a deployment without a coordination backend can still start.
type Local struct{}

// NewLocal returns the always-granting stub.
func NewLocal() Local { return Local{} }

// Acquire implements Backend.Acquire.
func (Local) Acquire(context.Context, string, time.Duration) (Result, error) {
	return ResultOK, nil
}

// Release implements Backend.Release.
func (Local) Release(context.Context, string) (bool, error) {
	return true, nil
}
