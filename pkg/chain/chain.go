// Package chain is the gas station's window on Tezos. It wraps a node RPC
// connection and the relay's signing key behind a small oracle surface:
// simulating batches, broadcasting them, finding landed operations and
// confirming transfers. Nothing else in the program touches the key or the
// node directly.
package chain

import (
	"errors"
	"fmt"

	"blockwatch.cc/tzgo/micheline"
	"blockwatch.cc/tzgo/tezos"
)

var (
	// ErrSimulationFailed is returned when the node rejects a dry run of an
	// operation. The wrapped detail carries the node's reason.
	ErrSimulationFailed = errors.New("simulation failed")
	// ErrOperationNotFound is returned when an operation hash cannot be found
	// in the scanned block window.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrInvalidSignature is returned when a signature does not verify
	// against the claimed key and payload.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidAddress is returned for strings that do not parse as a Tezos
	// address of the expected kind.
	ErrInvalidAddress = errors.New("invalid address")
)

// Call is one transaction the relay pays for: a sponsored contract call
// (Entrypoint set, Amount zero) or a plain transfer such as a withdrawal
// payout (Entrypoint empty, Amount positive).
type Call struct {
	Destination tezos.Address
	Entrypoint  string
	Value       micheline.Prim
	Amount      int64
}

// Transfer builds a plain value transfer.
func Transfer(to tezos.Address, amount int64) Call {
	return Call{Destination: to, Amount: amount}
}

// SimulatedOp is the estimated cost of one call within a dry-run batch. Fee
// covers the baker fee plus any storage and allocation burn, i.e. everything
// the relay account will pay for this content.
type SimulatedOp struct {
	Destination tezos.Address
	Fee         int64
}

// SimulatedBatch is the node's costing of a batch dry run, one entry per
// call in the original order.
type SimulatedBatch struct {
	Contents []SimulatedOp
}

// FeesByDestination folds the estimated fees per destination address.
func (b *SimulatedBatch) FeesByDestination() map[string]int64 {
	fees := make(map[string]int64, len(b.Contents))
	for _, op := range b.Contents {
		fees[op.Destination.String()] += op.Fee
	}
	return fees
}

// TotalFee sums the estimated fees of the whole batch.
func (b *SimulatedBatch) TotalFee() int64 {
	var sum int64
	for _, op := range b.Contents {
		sum += op.Fee
	}
	return sum
}

// PostedBatch identifies a broadcast batch in the node's mempool.
type PostedBatch struct {
	Hash tezos.OpHash
}

// BalanceUpdate is one account-level balance movement attached to a landed
// operation. A negative change means the account paid.
type BalanceUpdate struct {
	Contract tezos.Address
	Change   int64
}

// ContentResult is the landed form of one content of a batch, with the
// payment and execution balance movements merged.
type ContentResult struct {
	Kind           tezos.OpType
	Source         tezos.Address
	Destination    tezos.Address
	Amount         int64
	BalanceUpdates []BalanceUpdate
}

// FoundOperation is an operation located in a block, reduced to what fee
// reconciliation and transfer confirmation need.
type FoundOperation struct {
	Hash     tezos.OpHash
	Contents []ContentResult
}

// ParseAddress parses a Tezos address of any kind.
func ParseAddress(s string) (tezos.Address, error) {
	a, err := tezos.ParseAddress(s)
	if err != nil {
		return tezos.InvalidAddress, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	return a, nil
}

// ParseContractAddress parses an originated (KT1) contract address and
// refuses everything else, implicit accounts included.
func ParseContractAddress(s string) (tezos.Address, error) {
	a, err := tezos.ParseAddress(s)
	if err != nil || !a.IsContract() {
		return tezos.InvalidAddress, fmt.Errorf("%w: %s is not a contract", ErrInvalidAddress, s)
	}
	return a, nil
}
