package subutils

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

// JqFilter creates a handler wrapper that applies a JQ query to message
// payloads before invoking the wrapped handler with the result.
//
// The JQ query operates on the message's data payload, decoded from
// JSON into primitive Go types. The query has access to the following
// variables:
//   - $msgType: The message type as a string
//
// Parameters:
//   - jqQuery: A valid JQ query string (e.g., ".contour_id",
//     ".x | length", "{id: .contour_id, label: .label, type: $msgType}")
//   - logger: Optional logger for error reporting. If nil, errors are
//     not logged (but still handled gracefully)
//
// Returns:
//   - A function wrapping a payload callback into a conn.Handler-shaped
//     handler
//   - An error if the JQ query cannot be compiled
//
// Behavior:
//   - If the query produces no results, the message is dropped.
//   - If the query produces multiple results, they are collected into
//     an array.
//   - Runtime errors are logged (when a logger is given) and the
//     message is dropped rather than delivered untransformed, since the
//     callback expects the query's output shape.
//
// Example usage:
//
//	onLabel, err := subutils.JqFilter(".label", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.On("object-added", onLabel(func(ctx context.Context, v any) {
//	    fmt.Println("new object labeled", v)
//	}))
func JqFilter(jqQuery string, logger *zap.Logger) (func(func(context.Context, any)) func(context.Context, wire.Message), error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	compiledQuery, err := gojq.Compile(query, gojq.WithVariables([]string{"$msgType"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	return func(callback func(context.Context, any)) func(context.Context, wire.Message) {
		return func(ctx context.Context, msg wire.Message) {
			var jqInput any
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &jqInput); err != nil {
					if logger != nil {
						logger.Error("JQ filter: failed to decode message payload",
							zap.String("jq_query", jqQuery),
							zap.String("type", msg.Type),
							zap.Error(err))
					}
					return
				}
			}

			// The message type is passed as the first variable,
			// matching the order given to WithVariables.
			iter := compiledQuery.RunWithContext(ctx, jqInput, msg.Type)

			var results []any
			for {
				result, hasResult := iter.Next()
				if !hasResult {
					break
				}

				if execErr, ok := result.(error); ok {
					if logger != nil {
						logger.Error("JQ filter: JQ execution error",
							zap.String("jq_query", jqQuery),
							zap.String("type", msg.Type),
							zap.Error(execErr))
					}
					return
				}

				results = append(results, result)
			}

			if len(results) == 0 {
				return
			}

			if len(results) == 1 {
				callback(ctx, results[0])
			} else {
				callback(ctx, results)
			}
		}
	}, nil
}
