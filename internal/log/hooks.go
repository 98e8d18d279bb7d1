package log

import (
	"context"

	"github.com/pihq/pi/internal/contexts"
)

// traceFields adds trace, request, and operation identifiers to log entries
// when they are present in the context.
func traceFields(ctx context.Context, msg string, fields ...Field) []Field {
	if ctx == nil {
		return fields
	}

	if traceID, ok := contexts.GetTraceID(ctx); ok {
		fields = append(fields, String("trace_id", traceID))
	}

	if requestID, ok := contexts.GetRequestID(ctx); ok {
		fields = append(fields, String("request_id", requestID))
	}

	if operationName, ok := contexts.GetOperationName(ctx); ok {
		fields = append(fields, String("operation_name", operationName))
	}

	return fields
}
