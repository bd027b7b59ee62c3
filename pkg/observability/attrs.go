package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cloudwarden semantic convention attributes.
var (
	// Tenant attributes
	AttrTenantID     = attribute.Key("cloudwarden.tenant.id")
	AttrConnectionID = attribute.Key("cloudwarden.connection.id")
	AttrConnMode     = attribute.Key("cloudwarden.connection.mode")

	// Submission attributes
	AttrAction        = attribute.Key("cloudwarden.action")
	AttrOutcomeKind   = attribute.Key("cloudwarden.outcome.kind")
	AttrPlanID        = attribute.Key("cloudwarden.plan.id")
	AttrPlanSteps     = attribute.Key("cloudwarden.plan.steps")
	AttrResourceCount = attribute.Key("cloudwarden.resources.count")
	AttrRegion        = attribute.Key("cloudwarden.region")

	// Simulation attributes
	AttrSimulationStatus = attribute.Key("cloudwarden.simulation.status")
	AttrRiskLevel        = attribute.Key("cloudwarden.risk.level")
	AttrRiskScore        = attribute.Key("cloudwarden.risk.score")

	// Boundary attributes
	AttrBoundaryAllowed = attribute.Key("cloudwarden.boundary.allowed")
	AttrBoundaryAction  = attribute.Key("cloudwarden.boundary.action")

	// Audit attributes
	AttrChainPosition = attribute.Key("cloudwarden.chain.position")
	AttrAnchorBackend = attribute.Key("cloudwarden.anchor.backend")
	AttrAnchorID      = attribute.Key("cloudwarden.anchor.id")
)

// SubmissionOperation creates attributes for one governed submission.
func SubmissionOperation(tenantID, connectionID, action, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrConnectionID.String(connectionID),
		AttrAction.String(action),
		AttrOutcomeKind.String(kind),
	}
}

// SimulationOperation creates attributes for a dry-run prediction.
func SimulationOperation(planID, status, riskLevel string, riskScore int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrSimulationStatus.String(status),
		AttrRiskLevel.String(riskLevel),
		AttrRiskScore.Int(riskScore),
	}
}

// BoundaryOperation creates attributes for a permission boundary check.
func BoundaryOperation(tenantID, action, region string, allowed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrBoundaryAction.String(action),
		AttrRegion.String(region),
		AttrBoundaryAllowed.Bool(allowed),
	}
}

// AnchorOperation creates attributes for anchor publication.
func AnchorOperation(anchorID, backend string, position int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAnchorID.String(anchorID),
		AttrAnchorBackend.String(backend),
		AttrChainPosition.Int64(position),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
