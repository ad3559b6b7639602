package middleware

import "context"

// HealthChecker reports whether the backing store can currently serve
// requests. This allows for easier testing and decoupling from the
// concrete store implementation.
type HealthChecker interface {
	Health(ctx context.Context) error
}
