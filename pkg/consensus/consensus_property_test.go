//go:build property
// +build property

package consensus

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestConsensusDeterminism verifies identical vote sets give bit-identical results.
func TestConsensusDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("Validate(v) == Validate(reverse(v))", prop.ForAll(
		func(scores []float64) bool {
			vs := votes(scores...)
			rev := make([]Vote, len(vs))
			for i, v := range vs {
				rev[len(vs)-1-i] = v
			}
			a := Validate(vs, DefaultOptions())
			b := Validate(rev, DefaultOptions())
			return math.Float64bits(a.ConsensusScore) == math.Float64bits(b.ConsensusScore) &&
				a.ValidVotes == b.ValidVotes && a.Passed == b.Passed && a.Threshold == b.Threshold
		},
		gen.SliceOfN(20, gen.Float64Range(0, 1)),
	))

	properties.Property("a passing score lies within the retained range", prop.ForAll(
		func(scores []float64) bool {
			res := Validate(votes(scores...), DefaultOptions())
			if !res.Passed {
				return res.ConsensusScore == 0
			}
			return res.ConsensusScore >= 0 && res.ConsensusScore <= 1 && res.ValidVotes >= res.Threshold
		},
		gen.SliceOf(gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}
