package contexts

import (
	"context"
	"sync"
)

// ContextKey defines the context key type.
type ContextKey string

const (
	// containerContextKey is used to store the context container in the context.
	containerContextKey ContextKey = "context_container"
)

// contextContainer contains all values in the context.
type contextContainer struct {
	TraceID       *string
	RequestID     *string
	OperationName *string
	SessionID     *string
	mu            sync.RWMutex
}

// getContainer retrieves the existing container from context, or creates a new one if it doesn't exist.
func getContainer(ctx context.Context) *contextContainer {
	if container, ok := ctx.Value(containerContextKey).(*contextContainer); ok {
		return container
	}

	return &contextContainer{}
}

// withContainer stores the container in the context (if not already stored).
func withContainer(ctx context.Context, container *contextContainer) context.Context {
	if ctx.Value(containerContextKey) == nil {
		return context.WithValue(ctx, containerContextKey, container)
	}

	return ctx
}

// WithTraceID stores the trace ID in the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	container := getContainer(ctx)
	container.mu.Lock()
	container.TraceID = &traceID
	container.mu.Unlock()

	return withContainer(ctx, container)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	container := getContainer(ctx)
	container.mu.RLock()
	defer container.mu.RUnlock()

	if container.TraceID == nil {
		return "", false
	}

	return *container.TraceID, true
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	container := getContainer(ctx)
	container.mu.Lock()
	container.RequestID = &requestID
	container.mu.Unlock()

	return withContainer(ctx, container)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	container := getContainer(ctx)
	container.mu.RLock()
	defer container.mu.RUnlock()

	if container.RequestID == nil {
		return "", false
	}

	return *container.RequestID, true
}

// WithOperationName stores the operation name in the context.
func WithOperationName(ctx context.Context, name string) context.Context {
	container := getContainer(ctx)
	container.mu.Lock()
	container.OperationName = &name
	container.mu.Unlock()

	return withContainer(ctx, container)
}

// GetOperationName retrieves the operation name from the context.
func GetOperationName(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	container := getContainer(ctx)
	container.mu.RLock()
	defer container.mu.RUnlock()

	if container.OperationName == nil {
		return "", false
	}

	return *container.OperationName, true
}

// WithSessionID stores the session ID in the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	container := getContainer(ctx)
	container.mu.Lock()
	container.SessionID = &sessionID
	container.mu.Unlock()

	return withContainer(ctx, container)
}

// GetSessionID retrieves the session ID from the context.
func GetSessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	container := getContainer(ctx)
	container.mu.RLock()
	defer container.mu.RUnlock()

	if container.SessionID == nil {
		return "", false
	}

	return *container.SessionID, true
}
