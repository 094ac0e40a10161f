package receipt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/warrant/pkg/crypto"
)

// ErrBrokenChain reports a receipt that does not link to its predecessor.
var ErrBrokenChain = errors.New("receipt: broken chain")

// Chain numbers and links receipts emitted by one executor.
type Chain struct {
	mu     sync.Mutex
	signer crypto.Signer
	seq    uint64
	prev   string
}

// NewChain starts a chain signed by signer.
func NewChain(signer crypto.Signer) *Chain {
	return &Chain{signer: signer}
}

// Resume continues a chain whose last receipt had the given sequence and
// chain hash.
func (c *Chain) Resume(seq uint64, prevHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq, c.prev = seq, prevHash
}

// SignerID returns the key id receipts are signed under.
func (c *Chain) SignerID() string { return c.signer.KeyID() }

// Seal assigns the next sequence number and the predecessor hash, then
// signs.
func (c *Chain) Seal(r Receipt) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.Sequence = c.seq + 1
	r.PrevHash = c.prev
	signed, err := Sign(r, c.signer)
	if err != nil {
		return Receipt{}, err
	}
	h, err := ChainHash(signed)
	if err != nil {
		return Receipt{}, err
	}
	c.seq, c.prev = signed.Sequence, h
	return signed, nil
}

// Head returns the last sequence number and chain hash.
func (c *Chain) Head() (uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, c.prev
}

// VerifyChain checks every signature and that receipts form one
// contiguous, linked sequence in the order given.
func VerifyChain(receipts []Receipt, keys crypto.KeyProvider) error {
	var prev string
	for i, r := range receipts {
		if err := VerifyWith(r, keys); err != nil {
			return fmt.Errorf("receipt %d: %w", i, err)
		}
		if i > 0 {
			if r.Sequence != receipts[i-1].Sequence+1 {
				return fmt.Errorf("%w: receipt %d has sequence %d after %d", ErrBrokenChain, i, r.Sequence, receipts[i-1].Sequence)
			}
			if r.PrevHash != prev {
				return fmt.Errorf("%w: receipt %d does not link to its predecessor", ErrBrokenChain, i)
			}
		}
		h, err := ChainHash(r)
		if err != nil {
			return err
		}
		prev = h
	}
	return nil
}
