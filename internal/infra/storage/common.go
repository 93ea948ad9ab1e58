// Package storage opens the PostgreSQL pool, applies migrations and holds the tracing
// helper shared by the PostgreSQL stores.
package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecuteAndTrace runs op inside a client span named spanName. A failing op marks the
// span as errored, and PostgreSQL errors also stamp their SQLSTATE and constraint on it.
func ExecuteAndTrace(
	ctx context.Context,
	tracer trace.Tracer,
	spanName string,
	attributes []attribute.KeyValue,
	op func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	defer span.End()

	if err := op(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			span.SetAttributes(
				attribute.String("db.response.status_code", pgErr.Code),
				attribute.String("db.constraint", pgErr.ConstraintName),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
