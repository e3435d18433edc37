// Package telemetry provides semantic conventions for AgriSync observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for AgriSync-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrOrderStatus = attribute.Key("order.status")
	AttrActor       = attribute.Key("actor")

	// Reconciler attributes
	AttrResult = attribute.Key("result")
	AttrReason = attribute.Key("reason")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)
