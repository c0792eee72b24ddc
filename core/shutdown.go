package core

import "context"

// ShutdownFunc releases one resource during graceful shutdown. It should
// honour the deadline on ctx and tolerate being called more than once.
type ShutdownFunc func(ctx context.Context) error
