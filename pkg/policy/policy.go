// Package policy implements the admission rules that guard the relay queue.
//
// Every sponsored call passes the same ordered checks before it may be
// simulated and queued: the entrypoint must be enabled, the target contract
// must be under its monthly call cap and every active condition covering the
// call must still have room. The first failing check decides the rejection
// reason. Credit sufficiency is checked separately after simulation, once the
// estimated fees are known.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marigold-dev/gas-station/pkg/ledger"
	"go.uber.org/zap"
)

var (
	// ErrEntrypointDisabled is returned when the called entrypoint exists but
	// has been switched off by the sponsor.
	ErrEntrypointDisabled = errors.New("entrypoint is disabled")
	// ErrTooManyCallsForThisMonth is returned when the contract has used up
	// its monthly call allowance.
	ErrTooManyCallsForThisMonth = errors.New("too many calls made for this contract this month")
)

// Engine evaluates sponsored calls against the ledger. It is stateless apart
// from the store handle and safe for concurrent use by request handlers.
type Engine struct {
	store ledger.Store
	log   *zap.Logger
}

// New creates an admission engine reading from the given store.
func New(store ledger.Store, log *zap.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// Allow runs the read-only admission checks for a single sponsored call, in
// order: entrypoint enabled, monthly cap (skipped when the cap is -1), active
// per-entrypoint condition below its maximum, active per-sponsee condition
// below its maximum for this sender. It returns nil when the call may proceed
// to simulation and the first failing check's error otherwise.
func (e *Engine) Allow(ctx context.Context, sender string, contract *ledger.Contract, ep *ledger.Entrypoint) error {
	if !ep.IsEnabled {
		e.log.Warn("entrypoint is disabled", zap.String("entrypoint", ep.Name), zap.String("contract", contract.Address))
		return fmt.Errorf("%w: %s", ErrEntrypointDisabled, ep.Name)
	}
	if err := e.CheckMonthlyCap(ctx, contract); err != nil {
		return err
	}
	cond, err := e.store.GetEntrypointCondition(ctx, contract.ID, ep.ID, contract.VaultID)
	switch {
	case err == nil:
		if !cond.Satisfied() {
			e.log.Warn("entrypoint condition exhausted", zap.String("entrypoint", ep.Name), zap.Int64("max", cond.Max))
			return fmt.Errorf("%w: at most %d calls to %s", ledger.ErrConditionExceeded, cond.Max, ep.Name)
		}
	case !errors.Is(err, ledger.ErrConditionNotFound):
		return err
	}
	cond, err = e.store.GetSponseeCondition(ctx, contract.ID, contract.VaultID)
	switch {
	case err == nil:
		// The per-sponsee counter is the audit log itself: operations
		// recorded for this sender since the condition was created.
		n, cerr := e.store.CountSenderOperationsSince(ctx, contract.ID, sender, cond.CreatedAt)
		if cerr != nil {
			return fmt.Errorf("count sponsee calls: %w", cerr)
		}
		if n >= cond.Max {
			e.log.Warn("sponsee condition exhausted", zap.String("sender", sender), zap.Int64("max", cond.Max))
			return fmt.Errorf("%w: at most %d calls for %s", ledger.ErrConditionExceeded, cond.Max, sender)
		}
	case !errors.Is(err, ledger.ErrConditionNotFound):
		return err
	}
	return nil
}

// CheckMonthlyCap verifies the contract is under its monthly call allowance,
// counting the audit rows of the current calendar month. A cap of -1 admits
// everything, a cap of 0 admits nothing. Allow runs it before simulation; the
// admission pipeline repeats it afterwards, so a cap filled during the
// simulation round trip still rejects.
func (e *Engine) CheckMonthlyCap(ctx context.Context, contract *ledger.Contract) error {
	if contract.MaxCallsPerMonth < 0 {
		return nil
	}
	n, err := e.store.CountContractOperationsSince(ctx, contract.ID, ledger.MonthStart(time.Now()))
	if err != nil {
		return fmt.Errorf("count monthly calls: %w", err)
	}
	if n >= contract.MaxCallsPerMonth {
		e.log.Warn("monthly cap reached", zap.String("contract", contract.Address), zap.Int64("max", contract.MaxCallsPerMonth))
		return ErrTooManyCallsForThisMonth
	}
	return nil
}

// Accept burns one unit of the active per-entrypoint condition covering the
// call, if any. It runs once per admitted call, after simulation and before
// the call is queued. The check and the bump are a single atomic step in the
// store, so two admissions racing for the last remaining unit cannot both
// get it.
func (e *Engine) Accept(ctx context.Context, contract *ledger.Contract, ep *ledger.Entrypoint) error {
	cond, err := e.store.GetEntrypointCondition(ctx, contract.ID, ep.ID, contract.VaultID)
	if err != nil {
		if errors.Is(err, ledger.ErrConditionNotFound) {
			return nil
		}
		return err
	}
	if err := e.store.CountConditionCall(ctx, cond.ID); err != nil {
		if errors.Is(err, ledger.ErrConditionExceeded) {
			return fmt.Errorf("%w: at most %d calls to %s", ledger.ErrConditionExceeded, cond.Max, ep.Name)
		}
		return err
	}
	return nil
}

// CheckCredits verifies that every vault on the hook for the given estimated
// fees can cover them. Fees are keyed by destination contract address, the
// way the simulation reports them.
func (e *Engine) CheckCredits(ctx context.Context, fees map[string]int64) error {
	for address, fee := range fees {
		vault, err := e.store.GetVaultByContract(ctx, address)
		if err != nil {
			return err
		}
		if vault.Amount < fee {
			e.log.Warn("not enough funds to cover estimated fee",
				zap.String("contract", address),
				zap.Int64("balance", vault.Amount),
				zap.Int64("fee", fee))
			return fmt.Errorf("%w: estimated fee %d mutez for %s", ledger.ErrNotEnoughFunds, fee, address)
		}
	}
	return nil
}
