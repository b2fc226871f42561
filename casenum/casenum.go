// Package casenum allocates dispute case numbers of the form CASE-<year>-<seq>.
//
// Sequences come from a durable per-year counter that is incremented inside
// the caller's transaction. The counter row stays locked until that
// transaction ends, so concurrent allocations in the same year queue behind
// each other and a rollback hands the number back.
package casenum

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"gigescrow/apperr"
)

const prefix = "CASE"

var ErrMalformed = apperr.New(apperr.KindValidation, "malformed_case_number", "casenum: malformed case number")

// Format renders a case number. Sequences below 1000 are zero-padded to three digits.
func Format(year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%03d", prefix, year, seq)
}

// Parse splits a case number into its year and sequence.
func Parse(caseNumber string) (int, int64, error) {
	parts := strings.Split(caseNumber, "-")
	if len(parts) != 3 || parts[0] != prefix || len(parts[2]) < 3 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformed, caseNumber)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformed, caseNumber)
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformed, caseNumber)
	}
	return year, seq, nil
}

// Counter hands out the next sequence for a year within tx.
type Counter interface {
	Next(ctx context.Context, tx pgx.Tx, year int) (int64, error)
}

// PGCounter keeps one row per year in dispute_case_counters.
type PGCounter struct{}

func (PGCounter) Next(ctx context.Context, tx pgx.Tx, year int) (int64, error) {
	const upsertSQL = `
INSERT INTO dispute_case_counters (year, last_seq)
VALUES ($1, 1)
ON CONFLICT (year) DO UPDATE SET last_seq = dispute_case_counters.last_seq + 1
RETURNING last_seq;
`
	var seq int64
	if err := tx.QueryRow(ctx, upsertSQL, year).Scan(&seq); err != nil {
		return 0, fmt.Errorf("casenum: next %d: %w", year, err)
	}
	return seq, nil
}

// Generator formats sequences drawn from a Counter.
type Generator struct {
	counter Counter
}

func NewGenerator(counter Counter) *Generator {
	if counter == nil {
		counter = PGCounter{}
	}
	return &Generator{counter: counter}
}

// Next allocates the next case number for year inside tx.
func (g *Generator) Next(ctx context.Context, tx pgx.Tx, year int) (string, int64, error) {
	seq, err := g.counter.Next(ctx, tx, year)
	if err != nil {
		return "", 0, err
	}
	return Format(year, seq), seq, nil
}
