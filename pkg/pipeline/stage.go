// Package pipeline composes chart computations out of small named stages.
//
// A chart's pipeline is built once, when the chart is defined, by chaining
// stages with Then. Name reports the whole chain, so a composed pipeline can be
// logged and inspected instead of being hidden behind nested types.
package pipeline

import (
	"context"
	"fmt"
)

// Stage turns an input into an output.
type Stage[In, Out any] interface {
	Name() string
	Run(ctx context.Context, in In) (Out, error)
}

type funcStage[In, Out any] struct {
	name string
	fn   func(context.Context, In) (Out, error)
}

// Func wraps a function as a named stage.
func Func[In, Out any](name string, fn func(context.Context, In) (Out, error)) Stage[In, Out] {
	return &funcStage[In, Out]{name: name, fn: fn}
}

func (s *funcStage[In, Out]) Name() string { return s.name }

func (s *funcStage[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	return s.fn(ctx, in)
}

type chained[A, B, C any] struct {
	first  Stage[A, B]
	second Stage[B, C]
}

// Then runs first and feeds its output to second. Errors from either stage are
// returned as is so callers can still match typed errors.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return &chained[A, B, C]{first: first, second: second}
}

func (c *chained[A, B, C]) Name() string {
	return c.first.Name() + " | " + c.second.Name()
}

func (c *chained[A, B, C]) Run(ctx context.Context, in A) (C, error) {
	mid, err := c.first.Run(ctx, in)
	if err != nil {
		var zero C
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		var zero C
		return zero, fmt.Errorf("pipeline cancelled after %s: %w", c.first.Name(), err)
	}
	return c.second.Run(ctx, mid)
}
