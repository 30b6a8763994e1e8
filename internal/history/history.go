// Package history records finished offline conversions.
//
// A [Store] is append-only. [Store.List] returns records newest first,
// optionally narrowed by a [Filter]. [MemStore] keeps records for the life of
// the process; the postgres subpackage persists them.
package history

import (
	"context"
	"math"
	"strings"
	"time"
)

// TargetTolerance bounds the difference in Hz between a record and
// [Filter.TargetHz]; a record matches only when it is strictly below.
const TargetTolerance = 0.01

// Record describes one converted file.
type Record struct {
	ID         int64
	InputPath  string
	OutputPath string
	DetectedHz float64
	TargetHz   float64
	CreatedAt  time.Time
}

// Filter narrows [Store.List]. Zero values match everything.
type Filter struct {
	// TargetHz matches records whose target is within [TargetTolerance].
	TargetHz float64

	// Extension matches a case-insensitive suffix of the output path
	// (".flac", "mp3").
	Extension string

	// Limit caps the number of records returned. 0 means no limit.
	Limit int
}

// Match reports whether r passes every set criterion of f.
func (f Filter) Match(r Record) bool {
	if f.TargetHz != 0 && !(math.Abs(r.TargetHz-f.TargetHz) < TargetTolerance) {
		return false
	}
	if f.Extension != "" && !strings.HasSuffix(strings.ToLower(r.OutputPath), strings.ToLower(f.Extension)) {
		return false
	}
	return true
}

// Store persists conversion records.
type Store interface {
	// Append stores r and returns it with ID and CreatedAt filled in. A zero
	// CreatedAt is replaced with the current time.
	Append(ctx context.Context, r Record) (Record, error)

	// List returns matching records ordered newest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
