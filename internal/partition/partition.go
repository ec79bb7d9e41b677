// Package partition computes non-overlapping key ranges so that large
// tables can be streamed by multiple copy workers concurrently.
package partition

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// minMaxQuerier is the narrow slice of *pgxpool.Pool the integer-range
// planner needs, factored out so the range math can be tested without a
// live database connection.
type minMaxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// KeyKind identifies the kind of column a partition plan splits on.
type KeyKind int

const (
	KeyNone KeyKind = iota
	KeyInteger
	KeyCtid
)

// Range is one non-overlapping slice of a table's key domain.
// Min == Max == -1 marks the synthetic NULL bucket for a nullable integer
// key. For ctid partitioning, Max == -1 on the last range means "all
// remaining pages" (open-ended, to absorb growth during copy).
type Range struct {
	PartNumber    int
	PartCount     int
	Min           int64
	Max           int64
	EstimatedRows int64
}

// Plan is an ordered, non-overlapping set of Ranges covering a table's key
// domain. An empty Plan means "no partitioning": copy the whole table in
// one part.
type Plan struct {
	Kind   KeyKind
	Column string
	Ranges []Range
}

// KeyCandidate describes a column eligible for partitioning, selected by
// schema discovery: prefer the primary key, then a unique column, then
// ctid.
type KeyCandidate struct {
	Column    string
	Kind      KeyKind
	Nullable  bool
	IsInteger bool
}

// Compute builds a partition plan for a table of the given estimated byte
// size. It returns an empty Plan (no partitioning) when parts <= 1 after
// rounding, or when the candidate column is unsuitable, even if the size
// exceeds the threshold.
func Compute(ctx context.Context, pool *pgxpool.Pool, qualifiedName string, cand KeyCandidate, sizeBytes int64, threshold int64, estimatedRows int64, pageCount int64) (Plan, error) {
	if threshold <= 0 {
		return Plan{}, nil
	}
	parts := int(math.Ceil(float64(sizeBytes) / float64(threshold)))
	if parts <= 1 {
		return Plan{}, nil
	}

	switch cand.Kind {
	case KeyCtid:
		return computeCtidPlan(parts, pageCount), nil
	case KeyInteger:
		if !cand.IsInteger || cand.Column == "" {
			return Plan{}, nil
		}
		return computeIntegerPlan(ctx, pool, qualifiedName, cand, parts, estimatedRows)
	default:
		return Plan{}, nil
	}
}

func computeCtidPlan(parts int, pageCount int64) Plan {
	if pageCount <= 0 {
		pageCount = int64(parts)
	}
	pagesPerPart := pageCount / int64(parts)
	if pagesPerPart < 1 {
		pagesPerPart = 1
	}

	ranges := make([]Range, 0, parts)
	var cur int64
	for p := 1; p <= parts; p++ {
		min := cur
		max := cur + pagesPerPart
		if p == parts {
			max = -1 // open-ended: absorb pages appended during copy
		}
		ranges = append(ranges, Range{PartNumber: p, PartCount: parts, Min: min, Max: max})
		cur += pagesPerPart
	}
	return Plan{Kind: KeyCtid, Column: "ctid", Ranges: ranges}
}

func computeIntegerPlan(ctx context.Context, pool minMaxQuerier, qualifiedName string, cand KeyCandidate, parts int, estimatedRows int64) (Plan, error) {
	var min, max int64
	var hasRows bool
	query := fmt.Sprintf("SELECT min(%s), max(%s) FROM %s", quoteIdent(cand.Column), quoteIdent(cand.Column), qualifiedName)
	row := pool.QueryRow(ctx, query)
	var minPtr, maxPtr *int64
	if err := row.Scan(&minPtr, &maxPtr); err != nil {
		return Plan{}, fmt.Errorf("partition bounds for %s: %w", qualifiedName, err)
	}
	if minPtr != nil && maxPtr != nil {
		min, max, hasRows = *minPtr, *maxPtr, true
	}
	if !hasRows || max <= min {
		return Plan{}, nil
	}

	width := (max - min + 1) / int64(parts)
	if width < 1 {
		width = 1
	}

	ranges := make([]Range, 0, parts+1)
	cur := min
	rowsPerPart := estimatedRows / int64(parts)
	for p := 1; p <= parts; p++ {
		rmin := cur
		var rmax int64
		if p == parts {
			rmax = max
		} else {
			rmax = cur + width - 1
		}
		ranges = append(ranges, Range{PartNumber: p, PartCount: parts, Min: rmin, Max: rmax, EstimatedRows: rowsPerPart})
		cur = rmax + 1
	}

	if cand.Nullable {
		ranges = append(ranges, Range{PartNumber: parts + 1, PartCount: parts + 1, Min: -1, Max: -1})
		for i := range ranges {
			ranges[i].PartCount = parts + 1
		}
	}

	return Plan{Kind: KeyInteger, Column: cand.Column, Ranges: ranges}, nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
