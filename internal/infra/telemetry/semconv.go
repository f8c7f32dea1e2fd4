// Package telemetry provides OpenTelemetry initialisation and the semantic
// conventions shared by waiting room instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for waiting room telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrRole identifies the process role (owner or relay).
	AttrRole = attribute.Key("role")
	// AttrTopic labels bus metrics with the topic name.
	AttrTopic = attribute.Key("bus.topic")
	// AttrAction labels bus command metrics with the command action.
	AttrAction = attribute.Key("bus.action")
	// AttrOperation differentiates specific operations (join, leave, publish, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrReason provides additional context for rejections and expiries.
	AttrReason = attribute.Key("reason")
	// AttrEvent labels real-time channel metrics with the envelope event name.
	AttrEvent = attribute.Key("ws.event")
	// AttrRoute labels HTTP metrics with the matched route.
	AttrRoute = attribute.Key("http.route")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
	ResultDropped = "dropped"
)

// Role values.
const (
	RoleOwner = "owner"
	RoleRelay = "relay"
)

// OperationAttributes returns attributes for operation metrics with result classification.
func OperationAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// TopicAttributes returns attributes for bus metrics.
func TopicAttributes(environment, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, role, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRole.String(role),
		AttrConnectionState.String(state),
	}
}
