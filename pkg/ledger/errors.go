package ledger

import "errors"

// Sentinel errors shared by every Store backend. HTTP status mapping happens
// in the REST layer, backends only ever wrap these with context.
var (
	// ErrSponsorNotFound is returned on lookups of unknown sponsors.
	ErrSponsorNotFound = errors.New("user not found")
	// ErrVaultNotFound is returned on lookups of unknown vaults.
	ErrVaultNotFound = errors.New("credit vault not found")
	// ErrContractNotFound is returned on lookups of unknown contracts.
	ErrContractNotFound = errors.New("contract not found")
	// ErrEntrypointNotFound is returned on lookups of unknown entrypoints.
	ErrEntrypointNotFound = errors.New("entrypoint not found")
	// ErrOperationNotFound is returned on lookups of unknown operations.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrConditionNotFound is returned on lookups of unknown conditions.
	ErrConditionNotFound = errors.New("condition not found")

	// ErrSponsorAlreadyRegistered is returned when a sponsor's chain address
	// is already taken.
	ErrSponsorAlreadyRegistered = errors.New("user already registered")
	// ErrContractAlreadyRegistered is returned when a contract address is
	// already sponsored.
	ErrContractAlreadyRegistered = errors.New("contract already registered")
	// ErrConditionAlreadyExists is returned when an active condition of the
	// same kind already covers the scope.
	ErrConditionAlreadyExists = errors.New("condition already exists")

	// ErrNotEnoughFunds is returned when a debit would drive a vault balance
	// below zero.
	ErrNotEnoughFunds = errors.New("not enough funds")
	// ErrConditionExceeded is returned by the guarded counter bump once a
	// condition has reached its maximum.
	ErrConditionExceeded = errors.New("condition exceeded")
	// ErrBadWithdrawCounter is returned when a withdraw counter does not
	// match the sponsor's stored one or tries to move backwards.
	ErrBadWithdrawCounter = errors.New("wrong withdraw counter")
)
