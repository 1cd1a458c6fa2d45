package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Custody-domain semantic convention attributes.
var (
	// Artifact attributes
	AttrArtifactID   = attribute.Key("ecl.artifact.id")
	AttrArtifactHash = attribute.Key("ecl.artifact.hash")

	// Ledger attributes
	AttrEventKind = attribute.Key("ecl.event.kind")
	AttrEventSeq  = attribute.Key("ecl.event.seq")
	AttrActor     = attribute.Key("ecl.actor")

	// Ingest attributes
	AttrSessionID  = attribute.Key("ecl.session.id")
	AttrChunkIndex = attribute.Key("ecl.chunk.index")

	// Job attributes
	AttrJobID       = attribute.Key("ecl.job.id")
	AttrJobPriority = attribute.Key("ecl.job.priority")
	AttrJobState    = attribute.Key("ecl.job.state")
	AttrWorkerID    = attribute.Key("ecl.worker.id")

	// Pipeline attributes
	AttrPipelineName = attribute.Key("ecl.pipeline.name")
	AttrStepName     = attribute.Key("ecl.step.name")
)

// LedgerOperation creates attributes for ledger appends and reads.
func LedgerOperation(artifactID, kind, actor string, seq uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifactID.String(artifactID),
		AttrEventKind.String(kind),
		AttrActor.String(actor),
		AttrEventSeq.Int64(int64(seq)),
	}
}

// IngestOperation creates attributes for ingest session operations.
func IngestOperation(sessionID string, chunkIndex int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrChunkIndex.Int(chunkIndex),
	}
}

// JobOperation creates attributes for queue operations.
func JobOperation(jobID, priority, state, workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrJobID.String(jobID),
		AttrJobPriority.String(priority),
		AttrJobState.String(state),
		AttrWorkerID.String(workerID),
	}
}

// StepOperation creates attributes for pipeline step execution.
func StepOperation(artifactID, pipeline, step string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifactID.String(artifactID),
		AttrPipelineName.String(pipeline),
		AttrStepName.String(step),
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

// SetSpanStatus records the error on the current span if non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
