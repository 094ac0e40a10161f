package builtin

import (
	"context"

	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/consensus"
	"github.com/Mindburn-Labs/warrant/pkg/effect"
	"github.com/Mindburn-Labs/warrant/pkg/errorir"
	"github.com/Mindburn-Labs/warrant/pkg/store"
)

type consensusParams struct {
	RoundID   string           `json:"round_id"`
	Votes     []consensus.Vote `json:"votes"`
	Quorum    float64          `json:"quorum"`
	Deviation float64          `json:"deviation"`
}

func consensusCapability(d Deps) capability.Capability {
	vote := capability.Object(map[string]*capability.Schema{
		"validator_id": capability.String("validator identity"),
		"score":        capability.Number("assessment"),
		"timestamp":    capability.String("RFC 3339 submission time"),
	}, "validator_id", "score")

	return capability.Capability{
		ID:          ConsensusValidate,
		Name:        "Validate consensus",
		Category:    "consensus",
		Description: "Aggregates validator scores with Byzantine outlier removal and fails when the quorum is not met.",
		Input: capability.Object(map[string]*capability.Schema{
			"round_id":  capability.String("persist the round under this id"),
			"votes":     capability.Array("validator votes", vote),
			"quorum":    capability.Number("fraction of votes that must survive").Range(0, 1),
			"deviation": capability.Number("outlier cut-off in standard deviations"),
		}, "votes"),
		Output: capability.Object(map[string]*capability.Schema{
			"consensus_score": capability.Number("aggregated score"),
			"passed":          capability.Boolean("quorum met"),
		}, "consensus_score", "passed"),
		Effects: effect.Model{ReadOnly: true, Isolation: effect.Independent},
		Handler: capability.HandlerFunc(func(ctx context.Context, c capability.Call) (any, error) {
			var p consensusParams
			if err := decode(c.Params(), &p); err != nil {
				return nil, err
			}
			opts := consensus.DefaultOptions()
			if p.Quorum > 0 {
				opts.Quorum = p.Quorum
			}
			if p.Deviation > 0 {
				opts.Deviation = p.Deviation
			}
			res := consensus.Validate(p.Votes, opts)
			if p.RoundID != "" && d.Rounds != nil {
				if err := d.Rounds.SaveRound(ctx, store.Round{ID: p.RoundID, Votes: p.Votes, Result: res}); err != nil {
					return nil, errorir.Retriable(err)
				}
			}
			if err := res.Err(); err != nil {
				return nil, err
			}
			return res, nil
		}),
	}
}
