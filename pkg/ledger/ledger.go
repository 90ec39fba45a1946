/*
Package ledger keeps the durable state of the gas station: sponsors, their
prepaid credit vaults, the contracts bound to them, the per-call audit log and
the policy conditions constraining admissions.

Three backends implement the same Store contract: Postgres for production,
BoltDB for single-node deployments without an external database and an
in-memory store for tests. The backend is picked by DBConfiguration.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marigold-dev/gas-station/pkg/config"
)

// Store is the persistence contract shared by every backend. All mutations
// are atomic and serialisable: a reader never observes a torn write, and the
// guarded operations (DebitVault, CountConditionCall) couple their check with
// their update.
type Store interface {
	// AddSponsor registers a fee-paying sponsor. The chain address is unique
	// across sponsors (ErrSponsorAlreadyRegistered).
	AddSponsor(ctx context.Context, name, address string) (*Sponsor, error)
	GetSponsor(ctx context.Context, id uuid.UUID) (*Sponsor, error)
	GetSponsorByAddress(ctx context.Context, address string) (*Sponsor, error)
	// SetWithdrawCounter moves the sponsor's replay guard. Counters only move
	// forward, a smaller value is rejected.
	SetWithdrawCounter(ctx context.Context, id uuid.UUID, counter int64) error

	// AddVault creates an empty credit vault owned by a sponsor.
	AddVault(ctx context.Context, ownerID uuid.UUID) (*Vault, error)
	GetVault(ctx context.Context, id uuid.UUID) (*Vault, error)
	GetVaultsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Vault, error)
	// GetVaultByContract resolves the vault paying for a contract address.
	GetVaultByContract(ctx context.Context, address string) (*Vault, error)
	// CreditVault adds delta mutez to the balance, DebitVault removes them.
	// Debits that would drive the balance negative fail with
	// ErrNotEnoughFunds and leave the vault untouched.
	CreditVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error)
	DebitVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error)

	// AddContract registers a contract and its entrypoints in one step. The
	// contract address is unique (ErrContractAlreadyRegistered).
	AddContract(ctx context.Context, reg ContractRegistration) (*Contract, []*Entrypoint, error)
	GetContract(ctx context.Context, id uuid.UUID) (*Contract, error)
	GetContractByAddress(ctx context.Context, address string) (*Contract, error)
	GetContractsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Contract, error)
	GetContractsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Contract, error)
	SetMaxCallsPerMonth(ctx context.Context, id uuid.UUID, max int64) (*Contract, error)

	GetEntrypoint(ctx context.Context, contractID uuid.UUID, name string) (*Entrypoint, error)
	GetEntrypoints(ctx context.Context, contractID uuid.UUID) ([]*Entrypoint, error)
	// UpdateEntrypoints flips the enabled switch on the given entrypoint ids.
	UpdateEntrypoints(ctx context.Context, updates []EntrypointUpdate) ([]*Entrypoint, error)

	// RecordOperation appends a row to the audit log, filling ID and
	// CreatedAt when unset.
	RecordOperation(ctx context.Context, op *Operation) (*Operation, error)
	// SetOperationCost stores the realized fee on every audit row of a batch
	// that targets the given contract. Idempotent for equal costs; on
	// diverging costs the last writer wins.
	SetOperationCost(ctx context.Context, txHash string, contractID uuid.UUID, cost int64) error
	// CountContractOperationsSince counts audit rows for a contract recorded
	// at or after the given instant.
	CountContractOperationsSince(ctx context.Context, contractID uuid.UUID, since time.Time) (int64, error)
	// CountSenderOperationsSince is the per-sender variant used by sponsee
	// conditions.
	CountSenderOperationsSince(ctx context.Context, contractID uuid.UUID, sender string, since time.Time) (int64, error)

	// AddCondition stores a policy condition. At most one active condition of
	// each kind may cover a scope (ErrConditionAlreadyExists).
	AddCondition(ctx context.Context, c *Condition) (*Condition, error)
	GetConditionsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Condition, error)
	// GetEntrypointCondition returns the active MaxCallsPerEntrypoint
	// condition covering (contract, entrypoint, vault), or
	// ErrConditionNotFound.
	GetEntrypointCondition(ctx context.Context, contractID, entrypointID, vaultID uuid.UUID) (*Condition, error)
	// GetSponseeCondition returns the active MaxCallsPerSponsee condition
	// covering (contract, vault), or ErrConditionNotFound.
	GetSponseeCondition(ctx context.Context, contractID, vaultID uuid.UUID) (*Condition, error)
	// CountConditionCall bumps the condition counter, failing with
	// ErrConditionExceeded once current has reached max. Check and bump are
	// one atomic step.
	CountConditionCall(ctx context.Context, id uuid.UUID) error

	Close() error
}

// EntrypointUpdate is one element of a bulk entrypoint toggle.
type EntrypointUpdate struct {
	ID        uuid.UUID `json:"id"`
	IsEnabled bool      `json:"isEnabled"`
}

// NewStore creates a storage backend based on the configuration.
func NewStore(ctx context.Context, cfg config.DBConfiguration) (Store, error) {
	var store Store
	var err error
	switch cfg.Type {
	case config.DBPostgres:
		store, err = NewPostgresStore(ctx, cfg.PostgresOptions)
	case config.DBBoltDB:
		store, err = NewBoltDBStore(cfg.BoltDBOptions)
	case config.DBInMemory:
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown storage: %s", cfg.Type)
	}
	return store, err
}
