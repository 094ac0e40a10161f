//go:build property
// +build property

package session

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFrameSequenceProperty verifies per-stream sequences start at 0 and
// are gap-free regardless of how streams interleave.
func TestFrameSequenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	streams := []string{"stdout", "stderr", "log"}
	properties.Property("per-stream sequences are 0..n-1", prop.ForAll(
		func(picks []int) bool {
			s := New("prop:run")
			if s.Start() != nil {
				return false
			}
			next := map[string]uint64{}
			for _, p := range picks {
				name := streams[p]
				f, err := s.Yield(name, p)
				if err != nil || f.Seq != next[name] {
					return false
				}
				next[name]++
			}
			counters := s.Snapshot().Counters
			for k, v := range next {
				if counters[k] != v {
					return false
				}
			}
			return len(s.Frames()) == len(picks)
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
