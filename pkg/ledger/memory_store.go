package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of a Store, mainly used for
// testing and development. Do not use MemoryStore in production.
type MemoryStore struct {
	mut sync.RWMutex

	sponsors      map[uuid.UUID]*Sponsor
	sponsorAddrs  map[string]uuid.UUID
	vaults        map[uuid.UUID]*Vault
	contracts     map[uuid.UUID]*Contract
	contractAddrs map[string]uuid.UUID
	entrypoints   map[uuid.UUID]*Entrypoint
	conditions    map[uuid.UUID]*Condition
	operations    []*Operation
}

// NewMemoryStore creates a new MemoryStore object.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sponsors:      make(map[uuid.UUID]*Sponsor),
		sponsorAddrs:  make(map[string]uuid.UUID),
		vaults:        make(map[uuid.UUID]*Vault),
		contracts:     make(map[uuid.UUID]*Contract),
		contractAddrs: make(map[string]uuid.UUID),
		entrypoints:   make(map[uuid.UUID]*Entrypoint),
		conditions:    make(map[uuid.UUID]*Condition),
	}
}

// AddSponsor implements the Store interface.
func (s *MemoryStore) AddSponsor(ctx context.Context, name, address string) (*Sponsor, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.sponsorAddrs[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSponsorAlreadyRegistered, address)
	}
	sp := &Sponsor{
		ID:        uuid.New(),
		Name:      name,
		Address:   address,
		CreatedAt: time.Now().UTC(),
	}
	s.sponsors[sp.ID] = sp
	s.sponsorAddrs[address] = sp.ID
	return copySponsor(sp), nil
}

// GetSponsor implements the Store interface.
func (s *MemoryStore) GetSponsor(ctx context.Context, id uuid.UUID) (*Sponsor, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	sp, ok := s.sponsors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, id)
	}
	return copySponsor(sp), nil
}

// GetSponsorByAddress implements the Store interface.
func (s *MemoryStore) GetSponsorByAddress(ctx context.Context, address string) (*Sponsor, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	id, ok := s.sponsorAddrs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, address)
	}
	return copySponsor(s.sponsors[id]), nil
}

// SetWithdrawCounter implements the Store interface.
func (s *MemoryStore) SetWithdrawCounter(ctx context.Context, id uuid.UUID, counter int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	sp, ok := s.sponsors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSponsorNotFound, id)
	}
	if counter <= sp.WithdrawCounter {
		return fmt.Errorf("%w: %d is not past %d", ErrBadWithdrawCounter, counter, sp.WithdrawCounter)
	}
	sp.WithdrawCounter = counter
	return nil
}

// AddVault implements the Store interface.
func (s *MemoryStore) AddVault(ctx context.Context, ownerID uuid.UUID) (*Vault, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.sponsors[ownerID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, ownerID)
	}
	v := &Vault{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	s.vaults[v.ID] = v
	return copyVault(v), nil
}

// GetVault implements the Store interface.
func (s *MemoryStore) GetVault(ctx context.Context, id uuid.UUID) (*Vault, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	return copyVault(v), nil
}

// GetVaultsByOwner implements the Store interface.
func (s *MemoryStore) GetVaultsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Vault, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var res []*Vault
	for _, v := range s.vaults {
		if v.OwnerID == ownerID {
			res = append(res, copyVault(v))
		}
	}
	return res, nil
}

// GetVaultByContract implements the Store interface.
func (s *MemoryStore) GetVaultByContract(ctx context.Context, address string) (*Vault, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	cid, ok := s.contractAddrs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, address)
	}
	v, ok := s.vaults[s.contracts[cid].VaultID]
	if !ok {
		return nil, fmt.Errorf("%w: for contract %s", ErrVaultNotFound, address)
	}
	return copyVault(v), nil
}

// CreditVault implements the Store interface.
func (s *MemoryStore) CreditVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	v.Amount += delta
	return copyVault(v), nil
}

// DebitVault implements the Store interface.
func (s *MemoryStore) DebitVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	if v.Amount < delta {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughFunds, v.Amount, delta)
	}
	v.Amount -= delta
	return copyVault(v), nil
}

// AddContract implements the Store interface.
func (s *MemoryStore) AddContract(ctx context.Context, reg ContractRegistration) (*Contract, []*Entrypoint, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.contractAddrs[reg.Address]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrContractAlreadyRegistered, reg.Address)
	}
	if _, ok := s.sponsors[reg.OwnerID]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, reg.OwnerID)
	}
	if _, ok := s.vaults[reg.VaultID]; !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrVaultNotFound, reg.VaultID)
	}
	seen := make(map[string]bool, len(reg.Entrypoints))
	for _, e := range reg.Entrypoints {
		if seen[e.Name] {
			return nil, nil, fmt.Errorf("duplicate entrypoint %q for %s", e.Name, reg.Address)
		}
		seen[e.Name] = true
	}
	c := &Contract{
		ID:               uuid.New(),
		Name:             reg.Name,
		Address:          reg.Address,
		OwnerID:          reg.OwnerID,
		VaultID:          reg.VaultID,
		MaxCallsPerMonth: reg.MaxCallsPerMonth,
		CreatedAt:        time.Now().UTC(),
	}
	s.contracts[c.ID] = c
	s.contractAddrs[c.Address] = c.ID
	eps := make([]*Entrypoint, 0, len(reg.Entrypoints))
	for _, t := range reg.Entrypoints {
		ep := &Entrypoint{
			ID:         uuid.New(),
			ContractID: c.ID,
			Name:       t.Name,
			IsEnabled:  t.IsEnabled,
		}
		s.entrypoints[ep.ID] = ep
		eps = append(eps, copyEntrypoint(ep))
	}
	return copyContract(c), eps, nil
}

// GetContract implements the Store interface.
func (s *MemoryStore) GetContract(ctx context.Context, id uuid.UUID) (*Contract, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	return copyContract(c), nil
}

// GetContractByAddress implements the Store interface.
func (s *MemoryStore) GetContractByAddress(ctx context.Context, address string) (*Contract, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	id, ok := s.contractAddrs[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, address)
	}
	return copyContract(s.contracts[id]), nil
}

// GetContractsByOwner implements the Store interface.
func (s *MemoryStore) GetContractsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Contract, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var res []*Contract
	for _, c := range s.contracts {
		if c.OwnerID == ownerID {
			res = append(res, copyContract(c))
		}
	}
	return res, nil
}

// GetContractsByVault implements the Store interface.
func (s *MemoryStore) GetContractsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Contract, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var res []*Contract
	for _, c := range s.contracts {
		if c.VaultID == vaultID {
			res = append(res, copyContract(c))
		}
	}
	return res, nil
}

// SetMaxCallsPerMonth implements the Store interface.
func (s *MemoryStore) SetMaxCallsPerMonth(ctx context.Context, id uuid.UUID, max int64) (*Contract, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	c.MaxCallsPerMonth = max
	return copyContract(c), nil
}

// GetEntrypoint implements the Store interface.
func (s *MemoryStore) GetEntrypoint(ctx context.Context, contractID uuid.UUID, name string) (*Entrypoint, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	for _, ep := range s.entrypoints {
		if ep.ContractID == contractID && ep.Name == name {
			return copyEntrypoint(ep), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntrypointNotFound, name)
}

// GetEntrypoints implements the Store interface.
func (s *MemoryStore) GetEntrypoints(ctx context.Context, contractID uuid.UUID) ([]*Entrypoint, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var res []*Entrypoint
	for _, ep := range s.entrypoints {
		if ep.ContractID == contractID {
			res = append(res, copyEntrypoint(ep))
		}
	}
	return res, nil
}

// UpdateEntrypoints implements the Store interface. The whole batch is
// validated before anything is toggled.
func (s *MemoryStore) UpdateEntrypoints(ctx context.Context, updates []EntrypointUpdate) ([]*Entrypoint, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, u := range updates {
		if _, ok := s.entrypoints[u.ID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntrypointNotFound, u.ID)
		}
	}
	res := make([]*Entrypoint, 0, len(updates))
	for _, u := range updates {
		ep := s.entrypoints[u.ID]
		ep.IsEnabled = u.IsEnabled
		res = append(res, copyEntrypoint(ep))
	}
	return res, nil
}

// RecordOperation implements the Store interface.
func (s *MemoryStore) RecordOperation(ctx context.Context, op *Operation) (*Operation, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	cp := copyOperation(op)
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.operations = append(s.operations, cp)
	return copyOperation(cp), nil
}

// SetOperationCost implements the Store interface.
func (s *MemoryStore) SetOperationCost(ctx context.Context, txHash string, contractID uuid.UUID, cost int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	found := false
	for _, op := range s.operations {
		if op.TxHash == txHash && op.ContractID == contractID {
			c := cost
			op.Cost = &c
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, txHash)
	}
	return nil
}

// CountContractOperationsSince implements the Store interface.
func (s *MemoryStore) CountContractOperationsSince(ctx context.Context, contractID uuid.UUID, since time.Time) (int64, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var n int64
	for _, op := range s.operations {
		if op.ContractID == contractID && !op.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountSenderOperationsSince implements the Store interface.
func (s *MemoryStore) CountSenderOperationsSince(ctx context.Context, contractID uuid.UUID, sender string, since time.Time) (int64, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var n int64
	for _, op := range s.operations {
		if op.ContractID == contractID && op.Sender == sender && !op.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// AddCondition implements the Store interface.
func (s *MemoryStore) AddCondition(ctx context.Context, c *Condition) (*Condition, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if err := validateCondition(c); err != nil {
		return nil, err
	}
	for _, old := range s.conditions {
		if old.IsActive && sameScope(old, c) {
			return nil, fmt.Errorf("%w: %s", ErrConditionAlreadyExists, old.ID)
		}
	}
	cp := copyCondition(c)
	cp.ID = uuid.New()
	cp.Current = 0
	cp.IsActive = true
	cp.CreatedAt = time.Now().UTC()
	s.conditions[cp.ID] = cp
	return copyCondition(cp), nil
}

// GetConditionsByVault implements the Store interface.
func (s *MemoryStore) GetConditionsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Condition, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var res []*Condition
	for _, c := range s.conditions {
		if c.VaultID == vaultID {
			res = append(res, copyCondition(c))
		}
	}
	return res, nil
}

// GetEntrypointCondition implements the Store interface.
func (s *MemoryStore) GetEntrypointCondition(ctx context.Context, contractID, entrypointID, vaultID uuid.UUID) (*Condition, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	for _, c := range s.conditions {
		if c.IsActive && c.Kind == MaxCallsPerEntrypoint &&
			c.ContractID == contractID && c.VaultID == vaultID &&
			c.EntrypointID != nil && *c.EntrypointID == entrypointID {
			return copyCondition(c), nil
		}
	}
	return nil, ErrConditionNotFound
}

// GetSponseeCondition implements the Store interface.
func (s *MemoryStore) GetSponseeCondition(ctx context.Context, contractID, vaultID uuid.UUID) (*Condition, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	for _, c := range s.conditions {
		if c.IsActive && c.Kind == MaxCallsPerSponsee &&
			c.ContractID == contractID && c.VaultID == vaultID {
			return copyCondition(c), nil
		}
	}
	return nil, ErrConditionNotFound
}

// CountConditionCall implements the Store interface.
func (s *MemoryStore) CountConditionCall(ctx context.Context, id uuid.UUID) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	c, ok := s.conditions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConditionNotFound, id)
	}
	if !c.IsActive || c.Current >= c.Max {
		return fmt.Errorf("%w: %d of %d calls used", ErrConditionExceeded, c.Current, c.Max)
	}
	c.Current++
	return nil
}

// Close implements the Store interface and clears up memory. Never returns an
// error.
func (s *MemoryStore) Close() error {
	s.mut.Lock()
	s.sponsors = nil
	s.sponsorAddrs = nil
	s.vaults = nil
	s.contracts = nil
	s.contractAddrs = nil
	s.entrypoints = nil
	s.conditions = nil
	s.operations = nil
	s.mut.Unlock()
	return nil
}

func copySponsor(s *Sponsor) *Sponsor {
	cp := *s
	return &cp
}

func copyVault(v *Vault) *Vault {
	cp := *v
	return &cp
}

func copyContract(c *Contract) *Contract {
	cp := *c
	return &cp
}

func copyEntrypoint(e *Entrypoint) *Entrypoint {
	cp := *e
	return &cp
}

func copyOperation(o *Operation) *Operation {
	cp := *o
	if o.Cost != nil {
		c := *o.Cost
		cp.Cost = &c
	}
	return &cp
}

func copyCondition(c *Condition) *Condition {
	cp := *c
	if c.EntrypointID != nil {
		id := *c.EntrypointID
		cp.EntrypointID = &id
	}
	return &cp
}

// validateCondition checks the variant shape: MaxCallsPerEntrypoint needs an
// entrypoint scope, MaxCallsPerSponsee must not carry one.
func validateCondition(c *Condition) error {
	switch c.Kind {
	case MaxCallsPerEntrypoint:
		if c.EntrypointID == nil {
			return fmt.Errorf("%s condition needs an entrypoint", c.Kind)
		}
	case MaxCallsPerSponsee:
		if c.EntrypointID != nil {
			return fmt.Errorf("%s condition cannot scope an entrypoint", c.Kind)
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Kind)
	}
	if c.Max < 0 {
		return fmt.Errorf("condition max must not be negative, got %d", c.Max)
	}
	return nil
}

func sameScope(a, b *Condition) bool {
	if a.Kind != b.Kind || a.ContractID != b.ContractID || a.VaultID != b.VaultID {
		return false
	}
	if a.Kind == MaxCallsPerEntrypoint {
		return a.EntrypointID != nil && b.EntrypointID != nil && *a.EntrypointID == *b.EntrypointID
	}
	return true
}
