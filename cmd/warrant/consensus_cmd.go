package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/warrant/pkg/consensus"
)

// runConsensusCmd validates a vote set offline.
//
// Exit codes:
//
//	0 = consensus reached
//	1 = consensus not reached
//	2 = runtime error
func runConsensusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("consensus", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		quorum     float64
		deviation  float64
		jsonOutput bool
	)
	cmd.StringVar(&path, "votes", "", "Path to a JSON vote array or {\"votes\": [...]}, - for stdin (REQUIRED)")
	cmd.Float64Var(&quorum, "quorum", consensus.DefaultQuorum, "Fraction of votes that must survive outlier removal")
	cmd.Float64Var(&deviation, "deviation", consensus.DefaultDeviation, "Outlier cut-off in standard deviations")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --votes is required")
		return 2
	}
	if quorum <= 0 || quorum > 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --quorum must be within (0, 1]")
		return 2
	}

	data, err := readInput(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	votes, err := decodeVotes(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	opts := consensus.DefaultOptions()
	opts.Quorum = quorum
	opts.Deviation = deviation
	res := consensus.Validate(votes, opts)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		verdict := "PASS"
		if !res.Passed {
			verdict = "FAIL"
		}
		_, _ = fmt.Fprintf(stdout, "%s  score %.4f, %d of %d votes retained (threshold %d, tolerates %d faulty)\n",
			verdict, res.ConsensusScore, res.ValidVotes, res.TotalVotes, res.Threshold, res.MaxFaulty)
		for _, ex := range res.Excluded {
			_, _ = fmt.Fprintf(stdout, "      excluded %s: %s\n", ex.ValidatorID, ex.Reason)
		}
	}
	if !res.Passed {
		return 1
	}
	return 0
}

func decodeVotes(data []byte) ([]consensus.Vote, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Votes []consensus.Vote `json:"votes"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("decode votes: %w", err)
		}
		return wrapped.Votes, nil
	}
	var votes []consensus.Vote
	if err := json.Unmarshal(data, &votes); err != nil {
		return nil, fmt.Errorf("decode votes: %w", err)
	}
	return votes, nil
}
