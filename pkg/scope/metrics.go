package scope

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/thebtf/recordkit/pkg/scope"

var (
	meter = otel.Meter(instrumentationName)

	scopesOpened, _ = meter.Int64Counter(
		"recordkit.scope.opened",
		metric.WithDescription("Scopes pushed on a scope stack"),
	)
	txCompleted, _ = meter.Int64Counter(
		"recordkit.transaction.completed",
		metric.WithDescription("Root transactions finished, by outcome"),
	)
	opsFlushed, _ = meter.Int64Counter(
		"recordkit.session.flushed",
		metric.WithDescription("Queued operations written to the database"),
	)
)
