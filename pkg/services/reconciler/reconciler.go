// Package reconciler settles the gas station's books after the fact. A batch
// leaves the relayer's key paying fees the admission stage only estimated;
// once the batch lands, the reconciler reads the realized balance updates off
// the chain, nets what the relayer actually paid per destination contract and
// debits the matching credit vaults. It also confirms withdrawal transfers,
// releasing the withdrawn amount from the vault once the transfer is on
// chain.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"blockwatch.cc/tzgo/tezos"
	"github.com/google/uuid"
	"github.com/marigold-dev/gas-station/pkg/chain"
	"github.com/marigold-dev/gas-station/pkg/ledger"
	"go.uber.org/zap"
)

// defaultAttempts bounds the operation search. A batch missing from the last
// blocks after four delays is abandoned for manual reconciliation.
const defaultAttempts = 4

type (
	// Oracle is the chain-client subset the reconciler polls.
	Oracle interface {
		Address() tezos.Address
		BlockDelay() time.Duration
		FindOperation(ctx context.Context, hash tezos.OpHash) (*chain.FoundOperation, error)
	}

	// Ledger is the store subset receiving the settlement writes.
	Ledger interface {
		GetContractByAddress(ctx context.Context, address string) (*ledger.Contract, error)
		GetVaultByContract(ctx context.Context, address string) (*ledger.Vault, error)
		DebitVault(ctx context.Context, id uuid.UUID, delta int64) (*ledger.Vault, error)
		SetOperationCost(ctx context.Context, txHash string, contractID uuid.UUID, cost int64) error
	}

	// Reconciler runs one settlement goroutine per posted batch or withdrawal
	// and tracks them for an orderly shutdown.
	Reconciler struct {
		Config Config

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	// Config collects the reconciler's dependencies.
	Config struct {
		Chain  Oracle
		Ledger Ledger
		Log    *zap.Logger
		// Attempts caps the operation polls per settlement, defaulting to
		// defaultAttempts.
		Attempts int
	}

	// charge is the netted fee one destination owes for a landed batch.
	charge struct {
		destination tezos.Address
		fee         int64
	}
)

// New creates a Reconciler ready to accept settlements.
func New(cfg Config) *Reconciler {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		Config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Name returns the service name.
func (r *Reconciler) Name() string {
	return "reconciler"
}

// Reconcile settles the fees of one posted batch on a background goroutine.
// It never blocks and never reports to the caller: by the time it runs the
// waiters already hold their hash, so failures are logged for manual
// follow-up instead of propagated. The scheduler invokes it exactly once per
// successful submission.
func (r *Reconciler) Reconcile(batch *chain.PostedBatch) {
	r.spawn(func(ctx context.Context) error {
		return r.settleBatch(ctx, batch.Hash)
	}, zap.Stringer("hash", batch.Hash))
}

// ConfirmWithdraw debits vaultID by the withdrawn amount once the transfer
// identified by hash is found on chain. Like Reconcile it runs in the
// background and only logs its outcome.
func (r *Reconciler) ConfirmWithdraw(hash tezos.OpHash, vaultID uuid.UUID, amount int64) {
	r.spawn(func(ctx context.Context) error {
		return r.settleWithdraw(ctx, hash, vaultID, amount)
	}, zap.Stringer("hash", hash))
}

// Shutdown cancels the polling of every in-flight settlement and waits for
// the goroutines to finish.
func (r *Reconciler) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) spawn(task func(context.Context) error, fields ...zap.Field) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := task(r.ctx); err != nil {
			reconcileFailures.Inc()
			r.Config.Log.Error("reconciliation abandoned", append(fields, zap.Error(err))...)
		}
	}()
}

func (r *Reconciler) settleBatch(ctx context.Context, hash tezos.OpHash) error {
	op, err := r.waitOperation(ctx, hash)
	if err != nil {
		return err
	}
	relayer := r.Config.Chain.Address()
	for _, ch := range charges(op, relayer) {
		if !ch.destination.IsContract() {
			// A transfer to an implicit account is a withdrawal riding the
			// batch. Its fee stays on the relayer.
			continue
		}
		addr := ch.destination.String()
		vault, err := r.Config.Ledger.GetVaultByContract(ctx, addr)
		if err != nil {
			r.Config.Log.Warn("charged contract has no vault",
				zap.String("contract", addr),
				zap.Stringer("hash", hash),
				zap.Error(err))
			continue
		}
		if _, err := r.Config.Ledger.DebitVault(ctx, vault.ID, ch.fee); err != nil {
			r.Config.Log.Error("vault debit failed",
				zap.Stringer("vault", vault.ID),
				zap.Int64("fee", ch.fee),
				zap.Stringer("hash", hash),
				zap.Error(err))
			continue
		}
		feesDebited.Add(float64(ch.fee))
		r.Config.Log.Info("fees debited",
			zap.String("contract", addr),
			zap.Int64("fee", ch.fee),
			zap.Stringer("hash", hash))
		if err := r.recordCost(ctx, hash, addr, ch.fee); err != nil {
			r.Config.Log.Warn("realized cost not recorded",
				zap.String("contract", addr),
				zap.Stringer("hash", hash),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) settleWithdraw(ctx context.Context, hash tezos.OpHash, vaultID uuid.UUID, amount int64) error {
	if _, err := r.waitOperation(ctx, hash); err != nil {
		return err
	}
	if _, err := r.Config.Ledger.DebitVault(ctx, vaultID, amount); err != nil {
		return fmt.Errorf("withdrawn amount not debited: %w", err)
	}
	withdrawalsConfirmed.Inc()
	r.Config.Log.Info("withdrawal confirmed",
		zap.Stringer("hash", hash),
		zap.Stringer("vault", vaultID),
		zap.Int64("amount", amount))
	return nil
}

func (r *Reconciler) recordCost(ctx context.Context, hash tezos.OpHash, addr string, fee int64) error {
	contract, err := r.Config.Ledger.GetContractByAddress(ctx, addr)
	if err != nil {
		return err
	}
	return r.Config.Ledger.SetOperationCost(ctx, hash.String(), contract.ID, fee)
}

// waitOperation polls the oracle for the operation, sleeping one block delay
// before every attempt: the batch was broadcast an instant ago and cannot be
// found before the next block.
func (r *Reconciler) waitOperation(ctx context.Context, hash tezos.OpHash) (*chain.FoundOperation, error) {
	delay := r.Config.Chain.BlockDelay()
	var err error
	for i := 0; i < r.Config.Attempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		var op *chain.FoundOperation
		op, err = r.Config.Chain.FindOperation(ctx, hash)
		if err == nil {
			return op, nil
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", r.Config.Attempts, err)
}

// charges nets the balance updates billed to the relayer and groups them by
// the destination of the owning content, in first-appearance order. Contents
// that cost the relayer nothing, reveals among them, produce no charge.
func charges(op *chain.FoundOperation, relayer tezos.Address) []charge {
	var (
		out  []charge
		seen = make(map[string]int)
	)
	for _, content := range op.Contents {
		var net int64
		for _, u := range content.BalanceUpdates {
			if u.Contract.Equal(relayer) {
				net += u.Change
			}
		}
		if net >= 0 {
			continue
		}
		key := content.Destination.String()
		if i, ok := seen[key]; ok {
			out[i].fee += -net
			continue
		}
		seen[key] = len(out)
		out = append(out, charge{destination: content.Destination, fee: -net})
	}
	return out
}
