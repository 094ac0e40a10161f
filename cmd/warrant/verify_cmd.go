package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/warrant/pkg/builtin"
	"github.com/Mindburn-Labs/warrant/pkg/crypto"
	"github.com/Mindburn-Labs/warrant/pkg/receipt"
)

// runVerifyCmd implements `warrant verify`.
//
// Checks the signature of one receipt, or a receipt chain (a JSON
// array in sequence order) for signatures, contiguity and hash links.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		pubHex     string
		seedHex    string
		jsonOutput bool
	)
	cmd.StringVar(&path, "receipt", "", "Path to a receipt or receipt array, - for stdin (REQUIRED)")
	cmd.StringVar(&pubHex, "pub", "", "Signer public key (hex)")
	cmd.StringVar(&seedHex, "seed", "", "Master seed (hex) the signer key is derived from")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --receipt is required")
		return 2
	}
	if (pubHex == "") == (seedHex == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --pub or --seed is required")
		return 2
	}

	data, err := readInput(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	rs, err := decodeReceipts(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var keys crypto.KeyProvider
	if pubHex != "" {
		pub, err := crypto.ParsePublicKey(pubHex)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --pub: %v\n", err)
			return 2
		}
		ring := crypto.NewKeyRing()
		for _, r := range rs {
			if err := ring.AddPublicKey(r.SignerID, pub); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
		}
		keys = ring
	} else {
		derived, err := derivedKeys(seedHex)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --seed: %v\n", err)
			return 2
		}
		keys = derived
	}

	v := builtin.Check(keys, rs...)
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	} else if v.Valid {
		_, _ = fmt.Fprintf(stdout, "PASS  %d receipt(s) signed by %s\n", v.Count, v.SignerID)
		_, _ = fmt.Fprintf(stdout, "      chain head %s\n", v.ChainHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "FAIL  %s\n", v.Error)
	}
	if !v.Valid {
		return 1
	}
	return 0
}

// decodeReceipts accepts a single receipt object or an array.
func decodeReceipts(data []byte) ([]receipt.Receipt, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("no receipt data")
	}
	if data[0] == '[' {
		var rs []receipt.Receipt
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("decode receipts: %w", err)
		}
		if len(rs) == 0 {
			return nil, fmt.Errorf("empty receipt array")
		}
		return rs, nil
	}
	var r receipt.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return []receipt.Receipt{r}, nil
}
