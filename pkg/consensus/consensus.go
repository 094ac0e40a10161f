// Package consensus aggregates independently submitted scores into one
// value tolerant of up to floor((n-1)/3) Byzantine participants.
//
// Validate is a pure function of the vote set: input order does not
// matter and identical sets give bit-identical results. It assumes the
// actual number of faulty validators is at most MaxFaulty; admission of
// validator identities (Sybil resistance) is the caller's concern.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// Vote is one validator's assessment.
type Vote struct {
	ValidatorID string    `json:"validator_id"`
	Score       float64   `json:"score"`
	Timestamp   time.Time `json:"timestamp"`
}

// Options tune aggregation. Zero fields take the defaults.
type Options struct {
	// Quorum is the fraction of participants whose votes must survive
	// outlier removal (default 0.67).
	Quorum float64
	// Deviation is the outlier cut-off in standard deviations (default 2).
	Deviation float64
	// Min and Max bound a valid score (default [0, 1]).
	Min, Max float64
}

const (
	DefaultQuorum    = 0.67
	DefaultDeviation = 2.0
)

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{Quorum: DefaultQuorum, Deviation: DefaultDeviation, Min: 0, Max: 1}
}

func (o Options) withDefaults() Options {
	if o.Quorum <= 0 || o.Quorum > 1 {
		o.Quorum = DefaultQuorum
	}
	if o.Deviation <= 0 {
		o.Deviation = DefaultDeviation
	}
	if o.Min == 0 && o.Max == 0 {
		o.Max = 1
	}
	return o
}

// Exclusion reasons.
const (
	ExcludedDuplicate  = "duplicate"
	ExcludedOutOfRange = "out_of_range"
	ExcludedOutlier    = "outlier"
)

// Exclusion records a vote that did not count.
type Exclusion struct {
	ValidatorID string  `json:"validator_id"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason"`
}

// Result is the outcome of one round.
type Result struct {
	ConsensusScore float64     `json:"consensus_score"`
	ValidVotes     int         `json:"valid_votes"`
	TotalVotes     int         `json:"total_votes"`
	Threshold      int         `json:"threshold"`
	Passed         bool        `json:"passed"`
	MaxFaulty      int         `json:"max_faulty"`
	Excluded       []Exclusion `json:"excluded,omitempty"`
}

// Err returns ConsensusNotReached for a failed round, nil otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	missing := r.Threshold - r.ValidVotes
	if missing < 1 {
		missing = 1
	}
	return errorir.New(errorir.KindConsensusNotReached,
		"%d of %d votes retained, %d required", r.ValidVotes, r.TotalVotes, r.Threshold).
		WithHint(fmt.Sprintf("collect at least %d more agreeing votes", missing))
}

// Threshold returns ceil(quorum*n), computed in basis points so the
// result does not depend on float rounding.
func Threshold(quorum float64, n int) int {
	bp := int64(math.Round(quorum * 10000))
	return int((bp*int64(n) + 9999) / 10000)
}

// MaxFaulty returns floor((n-1)/3), the Byzantine count tolerated.
func MaxFaulty(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// Validate aggregates votes.
//
// Each validator counts once: of several votes from one validator the
// earliest (then lowest) is kept. Votes outside [Min, Max] or not finite
// still count toward n but are never retained. Retained votes are the
// fixed point of repeatedly discarding scores farther than Deviation
// standard deviations from the median. The round passes when at least
// Threshold(Quorum, n) votes are retained; the score is then their
// median, otherwise 0.
func Validate(votes []Vote, opts Options) Result {
	opts = opts.withDefaults()

	sorted := append([]Vote(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ValidatorID != b.ValidatorID {
			return a.ValidatorID < b.ValidatorID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return lessScore(a.Score, b.Score)
	})

	var (
		excluded []Exclusion
		valid    []Vote
		n        int
	)
	for i, v := range sorted {
		if i > 0 && v.ValidatorID == sorted[i-1].ValidatorID {
			excluded = append(excluded, Exclusion{v.ValidatorID, v.Score, ExcludedDuplicate})
			continue
		}
		n++
		if math.IsNaN(v.Score) || math.IsInf(v.Score, 0) || v.Score < opts.Min || v.Score > opts.Max {
			excluded = append(excluded, Exclusion{v.ValidatorID, sanitize(v.Score), ExcludedOutOfRange})
			continue
		}
		valid = append(valid, v)
	}

	retained := valid
	for iter := 0; iter <= len(valid); iter++ {
		next := trim(retained, opts.Deviation)
		if len(next) == len(retained) {
			break
		}
		retained = next
	}
	kept := make(map[string]bool, len(retained))
	for _, v := range retained {
		kept[v.ValidatorID] = true
	}
	for _, v := range valid {
		if !kept[v.ValidatorID] {
			excluded = append(excluded, Exclusion{v.ValidatorID, v.Score, ExcludedOutlier})
		}
	}
	sort.SliceStable(excluded, func(i, j int) bool { return excluded[i].ValidatorID < excluded[j].ValidatorID })

	res := Result{
		ValidVotes: len(retained),
		TotalVotes: n,
		Threshold:  Threshold(opts.Quorum, n),
		MaxFaulty:  MaxFaulty(n),
		Excluded:   excluded,
	}
	if n > 0 && res.ValidVotes >= res.Threshold {
		res.Passed = true
		res.ConsensusScore = median(scores(retained))
	}
	return res
}

// trim keeps votes within k standard deviations of the median.
func trim(votes []Vote, k float64) []Vote {
	if len(votes) < 2 {
		return votes
	}
	xs := scores(votes)
	m := median(xs)
	limit := k * stddev(xs)
	out := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if math.Abs(v.Score-m) <= limit {
			out = append(out, v)
		}
	}
	return out
}

// scores returns the scores sorted ascending, so sums are accumulated in
// a fixed order.
func scores(votes []Vote) []float64 {
	xs := make([]float64, len(votes))
	for i, v := range votes {
		xs[i] = v.Score
	}
	sort.Float64s(xs)
	return xs
}

// median of sorted xs.
func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// stddev is the population standard deviation of sorted xs.
func stddev(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func lessScore(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	return a < b
}

// sanitize keeps the exclusion list JSON-encodable.
func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
