package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
)

// The error taxonomy of the fusion engine:
//
//   - pattern mismatches are not errors at all: an anchor that doesn't match is
//     skipped and scanning continues;
//   - ShapeInconsistencyError is fatal to a single fusion attempt, the anchor is
//     left unfused and the pass moves on;
//   - InvalidModelError is fatal to the whole optimization run and surfaces to
//     the caller.

// InvalidModelError reports a graph that violates the DAG contract: cycles,
// duplicate tensor producers, or dangling references. It aborts the pipeline.
type InvalidModelError struct {
	Reason string
}

func (e *InvalidModelError) Error() string {
	return "invalid model: " + e.Reason
}

func invalidModelf(format string, args ...any) error {
	return errors.WithStack(&InvalidModelError{Reason: fmt.Sprintf(format, args...)})
}

// ShapeInconsistencyError reports caller-supplied attention geometry that does
// not agree with the weights found in the graph. It fails the single fusion
// attempt that detected it; the pipeline continues.
type ShapeInconsistencyError struct {
	Pass   string
	Detail string
}

func (e *ShapeInconsistencyError) Error() string {
	return fmt.Sprintf("shape inconsistency in %s fusion: %s", e.Pass, e.Detail)
}

func shapeInconsistencyf(pass, format string, args ...any) error {
	return errors.WithStack(&ShapeInconsistencyError{Pass: pass, Detail: fmt.Sprintf(format, args...)})
}
