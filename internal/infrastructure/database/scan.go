package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
)

// Numeric columns are read as text so the decimal keeps the exact scale
// it was written with.
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid numeric %q: %w", s, err)
	}
	return d, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// limitArg turns a zero limit into NULL, which Postgres reads as no limit.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

type span struct {
	trace.Span
}

func startSpan(ctx context.Context, operation, table string) (context.Context, span) {
	ctx, s := telemetry.StartDatabaseSpan(ctx, operation, table)
	return ctx, span{s}
}

func (s span) end(err error) { telemetry.EndSpan(s.Span, err) }
