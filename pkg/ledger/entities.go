package ledger

import (
	"time"

	"github.com/google/uuid"
)

// OperationStatus is the terminal state of a relayed call as recorded in the
// audit log. Calls that are still travelling through the scheduler have no
// row at all.
type OperationStatus string

const (
	// StatusOK marks calls that were included in a broadcast batch.
	StatusOK OperationStatus = "ok"
	// StatusFailing marks calls evicted from a batch or lost to a failed
	// submission.
	StatusFailing OperationStatus = "failing"
)

// ConditionKind discriminates the policy condition variants.
type ConditionKind string

const (
	// MaxCallsPerEntrypoint limits the total number of sponsored calls to one
	// entrypoint, across all senders, for the lifetime of the condition.
	MaxCallsPerEntrypoint ConditionKind = "max_calls_per_entrypoint"
	// MaxCallsPerSponsee limits the number of sponsored calls a single sender
	// may make to a contract since the condition was created.
	MaxCallsPerSponsee ConditionKind = "max_calls_per_sponsee"
)

// Sponsor is an account owner paying fees on behalf of its users. Sponsors
// are created through the admin API and never deleted.
type Sponsor struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	// WithdrawCounter guards withdraw requests against replay. It only ever
	// grows.
	WithdrawCounter int64     `json:"withdrawCounter"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Vault is a prepaid fee balance owned by a sponsor. Amount is expressed in
// mutez and never goes negative: deposits and withdrawals move it through the
// API, the reconciler debits realized fees.
type Vault struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"ownerId"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Contract binds an on-chain target to exactly one vault that pays for its
// sponsored calls.
type Contract struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address"`
	OwnerID uuid.UUID `json:"ownerId"`
	VaultID uuid.UUID `json:"vaultId"`
	// MaxCallsPerMonth caps sponsored calls per calendar month, -1 meaning
	// unlimited.
	MaxCallsPerMonth int64     `json:"maxCallsPerMonth"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Entrypoint is a named method of a sponsored contract. Disabled entrypoints
// are rejected at admission.
type Entrypoint struct {
	ID         uuid.UUID `json:"id"`
	ContractID uuid.UUID `json:"contractId"`
	Name       string    `json:"name"`
	IsEnabled  bool      `json:"isEnabled"`
}

// EntrypointTemplate describes an entrypoint at contract registration time,
// before it has an identity.
type EntrypointTemplate struct {
	Name      string `json:"name"`
	IsEnabled bool   `json:"isEnabled"`
}

// ContractRegistration is the payload for registering a sponsored contract
// together with its callable surface.
type ContractRegistration struct {
	Name             string
	Address          string
	OwnerID          uuid.UUID
	VaultID          uuid.UUID
	MaxCallsPerMonth int64
	Entrypoints      []EntrypointTemplate
}

// Operation is the audit record of one relayed sub-operation. TxHash refers
// to the containing batch, so several rows may share it. Cost stays nil until
// the reconciler has read the realized fee from the landed batch.
type Operation struct {
	ID           uuid.UUID       `json:"id"`
	Sender       string          `json:"sender"`
	ContractID   uuid.UUID       `json:"contractId"`
	EntrypointID uuid.UUID       `json:"entrypointId"`
	TxHash       string          `json:"txHash"`
	Status       OperationStatus `json:"status"`
	Cost         *int64          `json:"cost"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Condition is a policy row constraining admissions for a vault. Exactly one
// active condition of each kind may cover a scope: (contract, entrypoint,
// vault) for MaxCallsPerEntrypoint, (contract, vault) for MaxCallsPerSponsee.
// EntrypointID is set iff the kind is MaxCallsPerEntrypoint.
type Condition struct {
	ID           uuid.UUID     `json:"id"`
	Kind         ConditionKind `json:"type"`
	ContractID   uuid.UUID     `json:"contractId"`
	EntrypointID *uuid.UUID    `json:"entrypointId,omitempty"`
	VaultID      uuid.UUID     `json:"vaultId"`
	Max          int64         `json:"max"`
	Current      int64         `json:"current"`
	IsActive     bool          `json:"isActive"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Satisfied reports whether the condition still admits another call.
func (c *Condition) Satisfied() bool {
	return c.Current < c.Max
}

// MonthStart returns the first instant of t's calendar month in UTC. Monthly
// call caps count operations recorded at or after this point.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
