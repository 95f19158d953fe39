package saga

import (
	"context"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// runWithFailure runs n mock steps with the step at failAt failing. failAt
// == n means every step succeeds.
func runWithFailure(n, failAt int) (*Outcome, *recorder) {
	rec := &recorder{}
	steps := buildSteps(rec, n)
	if failAt < n {
		steps[failAt].fail = true
	}
	s, err := New("property-saga", asSteps(steps))
	if err != nil {
		panic(err)
	}
	return s.Run(context.Background(), "saga-prop", nil), rec
}

// TestCompensationCountProperty verifies that a failure undoes exactly the
// steps that succeeded before it.
func TestCompensationCountProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("undo count equals steps completed before the failure", prop.ForAll(
		func(n, f int) bool {
			failAt := f % (n + 1)
			outcome, rec := runWithFailure(n, failAt)

			if failAt == n {
				return outcome.Success && outcome.Compensation == nil && len(rec.undone()) == 0
			}
			if outcome.Success || outcome.FailedStep != failAt+1 {
				return false
			}
			if failAt == 0 {
				return outcome.Compensation == nil && len(rec.undone()) == 0
			}
			return outcome.Compensation != nil &&
				len(outcome.Compensation.Steps) == failAt &&
				len(rec.undone()) == failAt
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

// TestUndoOrderProperty verifies that undo order is the reverse of
// completion order.
func TestUndoOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("undo order reverses completion order", prop.ForAll(
		func(n, f int) bool {
			failAt := f % n
			_, rec := runWithFailure(n, failAt)

			completed := rec.execs[:failAt]
			reversed := slices.Clone(completed)
			slices.Reverse(reversed)
			return slices.Equal(reversed, rec.undone())
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 8),
	))

	properties.Property("report follows undo order", prop.ForAll(
		func(n int) bool {
			outcome, _ := runWithFailure(n+1, n)
			for i, res := range outcome.Compensation.Steps {
				if res.StepIndex != n-1-i {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}
