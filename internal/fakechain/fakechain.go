// Package fakechain provides a programmable stand-in for the Tezos client
// used in service and handler tests.
package fakechain

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"time"

	"blockwatch.cc/tzgo/tezos"
	"github.com/marigold-dev/gas-station/pkg/chain"
)

// Relayer is the fake's own account address.
const Relayer = "tz1gjaF81ZRRvdzjobyfVNsAeSC6PScjfQwN"

// DefaultFee is the estimated fee the default simulation assigns per call.
const DefaultFee int64 = 1000

// FakeChain implements the oracle interfaces of the scheduler, the
// reconciler and the REST layer without talking to any node. Behaviour is
// overridden per test through the exported function fields; unset fields
// fall back to a permissive default.
type FakeChain struct {
	SimulateF       func(ctx context.Context, calls []chain.Call) (*chain.SimulatedBatch, error)
	SubmitF         func(ctx context.Context, calls []chain.Call) (*chain.PostedBatch, error)
	FindOperationF  func(ctx context.Context, hash tezos.OpHash) (*chain.FoundOperation, error)
	ConfirmDepositF func(ctx context.Context, hash tezos.OpHash, payer tezos.Address, amount int64) (bool, error)
	ManagerKeyF     func(ctx context.Context, addr tezos.Address) (tezos.Key, error)

	// Delay is what BlockDelay reports. Tests keep it tiny so ticks and
	// retries run fast.
	Delay time.Duration

	submitted atomic.Int64
}

// NewFakeChain returns a FakeChain with a short block delay.
func NewFakeChain() *FakeChain {
	return &FakeChain{Delay: 10 * time.Millisecond}
}

// Address implements the oracle interface.
func (c *FakeChain) Address() tezos.Address {
	return tezos.MustParseAddress(Relayer)
}

// BlockDelay implements the oracle interface.
func (c *FakeChain) BlockDelay() time.Duration {
	return c.Delay
}

// Simulate implements the oracle interface. The default costs every call
// DefaultFee mutez.
func (c *FakeChain) Simulate(ctx context.Context, calls []chain.Call) (*chain.SimulatedBatch, error) {
	if c.SimulateF != nil {
		return c.SimulateF(ctx, calls)
	}
	return SimulatedBatch(calls), nil
}

// SimulatedBatch builds the receipt the default Simulate hands out, charging
// every call DefaultFee mutez. Custom SimulateF overrides can reuse it.
func SimulatedBatch(calls []chain.Call) *chain.SimulatedBatch {
	batch := &chain.SimulatedBatch{Contents: make([]chain.SimulatedOp, len(calls))}
	for i, call := range calls {
		batch.Contents[i] = chain.SimulatedOp{Destination: call.Destination, Fee: DefaultFee}
	}
	return batch
}

// Submit implements the oracle interface. The default hands out a distinct
// hash per batch.
func (c *FakeChain) Submit(ctx context.Context, calls []chain.Call) (*chain.PostedBatch, error) {
	if c.SubmitF != nil {
		return c.SubmitF(ctx, calls)
	}
	return &chain.PostedBatch{Hash: NewHash(byte(c.submitted.Add(1)))}, nil
}

// FindOperation implements the oracle interface.
func (c *FakeChain) FindOperation(ctx context.Context, hash tezos.OpHash) (*chain.FoundOperation, error) {
	if c.FindOperationF != nil {
		return c.FindOperationF(ctx, hash)
	}
	return nil, chain.ErrOperationNotFound
}

// ConfirmDeposit implements the oracle interface.
func (c *FakeChain) ConfirmDeposit(ctx context.Context, hash tezos.OpHash, payer tezos.Address, amount int64) (bool, error) {
	if c.ConfirmDepositF != nil {
		return c.ConfirmDepositF(ctx, hash, payer, amount)
	}
	return true, nil
}

// ManagerKey implements the oracle interface.
func (c *FakeChain) ManagerKey(ctx context.Context, addr tezos.Address) (tezos.Key, error) {
	if c.ManagerKeyF != nil {
		return c.ManagerKeyF(ctx, addr)
	}
	return tezos.InvalidKey, errors.New("no manager key configured")
}

// NewHash builds a deterministic operation hash from a filler byte.
func NewHash(fill byte) tezos.OpHash {
	return tezos.NewOpHash(bytes.Repeat([]byte{fill}, 32))
}
