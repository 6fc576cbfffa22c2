package chart

import (
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinystats/pkg/timespan"
)

// ErrNotFound is returned when a chart name is not registered.
var ErrNotFound = errors.New("chart not found")

// SourceUnavailableError means the source of record could not be reached.
// The cycle can be retried as is.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// SourceDataError means the source returned a row the engine cannot use.
// Retrying will not help until the data or query is fixed upstream.
type SourceDataError struct {
	Source string
	Row    int
	Err    error
}

func (e *SourceDataError) Error() string {
	return fmt.Sprintf("source %s returned malformed row %d: %v", e.Source, e.Row, e.Err)
}

func (e *SourceDataError) Unwrap() error { return e.Err }

// ReductionError means a dependency chart lacks data needed for the window.
// It clears once the dependency has been updated.
type ReductionError struct {
	Dependency string
	Bucket     time.Time
	Err        error
}

func (e *ReductionError) Error() string {
	if e.Bucket.IsZero() {
		return fmt.Sprintf("reduction over %s failed: %v", e.Dependency, e.Err)
	}
	return fmt.Sprintf("reduction over %s failed at %s: %v", e.Dependency, timespan.FormatBucket(e.Bucket), e.Err)
}

func (e *ReductionError) Unwrap() error { return e.Err }

// UpdateError reports a failed update cycle of one chart.
type UpdateError struct {
	Chart  string
	Window *Range
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update of chart %s failed (%s): %v", e.Chart, describeWindow(e.Window), e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient: source outages, timeouts and
// dependency lag. Data errors and unknown failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var unavailable *SourceUnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var reduction *ReductionError
	if errors.As(err, &reduction) {
		return true
	}
	return false
}

// errDependencyFailed marks charts skipped because a dependency failed in the same run.
var errDependencyFailed = errors.New("dependency failed")

// DependencyFailed builds the error recorded for a chart skipped because dep failed.
func DependencyFailed(dep string) error {
	return &ReductionError{Dependency: dep, Err: errDependencyFailed}
}

func describeWindow(w *Range) string {
	if w == nil {
		return "full history"
	}
	from, to := "-inf", "+inf"
	if !w.From.IsZero() {
		from = timespan.FormatBucket(w.From)
	}
	if !w.To.IsZero() {
		to = timespan.FormatBucket(w.To)
	}
	return "window " + from + ".." + to
}
