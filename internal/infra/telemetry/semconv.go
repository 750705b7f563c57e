// Package telemetry wires OpenTelemetry metrics and the attribute vocabulary shared by
// Kora instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEventType labels engine events (BatchRequested, IntentAccepted, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrOutcome records how an intent resolved: accepted, rejected or refunded.
	AttrOutcome = attribute.Key("intent.outcome")
	// AttrHookKind labels per-hook failure counters.
	AttrHookKind = attribute.Key("hook.kind")
	// AttrStage distinguishes pre-swap from post-swap hook evaluation.
	AttrStage = attribute.Key("hook.stage")
	// AttrOperation names the engine operation (execute_batch, callback, reclaim).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrErrorType carries the canonical error code of a failure.
	AttrErrorType = attribute.Key("error.type")
	// AttrToken labels swap volume by token symbol.
	AttrToken = attribute.Key("token")
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeRefunded = "refunded"

	StagePreSwap  = "pre_swap"
	StagePostSwap = "post_swap"

	ResultSuccess = "success"
	ResultError   = "error"
)

// IntentAttributes returns attributes for per-intent outcome counters.
func IntentAttributes(environment, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOutcome.String(outcome),
	}
}

// HookFailureAttributes returns attributes for hook failure counters.
func HookFailureAttributes(environment, hookKind, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrHookKind.String(hookKind),
		AttrStage.String(stage),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result
// classification. errorType is omitted when empty.
func OperationResultAttributes(environment, operation, result, errorType string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
	if errorType != "" {
		attrs = append(attrs, AttrErrorType.String(errorType))
	}
	return attrs
}

// EventAttributes returns attributes for event bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// VolumeAttributes returns attributes for swap volume counters.
func VolumeAttributes(environment, token string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrToken.String(token),
	}
}
