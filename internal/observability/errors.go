package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors drops nil entries, logs the survivors as a single
// structured entry, and returns them joined under the operation name.
// Returns nil when nothing failed.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	var filtered []error
	var messages []string
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
			messages = append(messages, err.Error())
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	Log().Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
