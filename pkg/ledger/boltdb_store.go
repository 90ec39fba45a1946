package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/marigold-dev/gas-station/pkg/config"
	"go.etcd.io/bbolt"
)

// Bucket layout. Entity buckets map id → JSON, the rest are indexes:
// address → id for the unique-address lookups, contractID+name → id for
// entrypoints, contractID+createdAt+id → sender for the time-window counts,
// txHash+id → contractID for cost backfilling and one slot per active
// condition scope.
var (
	bktSponsors      = []byte("sponsors")
	bktSponsorAddrs  = []byte("sponsorAddrs")
	bktVaults        = []byte("vaults")
	bktContracts     = []byte("contracts")
	bktContractAddrs = []byte("contractAddrs")
	bktEntrypoints   = []byte("entrypoints")
	bktEpsByContract = []byte("entrypointNames")
	bktOperations    = []byte("operations")
	bktOpsByContract = []byte("operationTimes")
	bktOpsByHash     = []byte("operationHashes")
	bktConditions    = []byte("conditions")
	bktCondScopes    = []byte("conditionScopes")
)

// BoltDBStore is a Store kept in a single BoltDB file. It fits deployments
// that relay for a handful of sponsors and do not want to operate a database
// server. Bolt runs one writer at a time, which gives every mutation the
// serialisability the Store contract asks for.
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore returns a new BoltDBStore with all buckets created.
func NewBoltDBStore(cfg config.BoltDBOptions) (*BoltDBStore, error) {
	dir := filepath.Dir(cfg.FilePath)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("could not create dir for BoltDB: %w", err)
	}
	db, err := bbolt.Open(cfg.FilePath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bktSponsors, bktSponsorAddrs, bktVaults, bktContracts,
			bktContractAddrs, bktEntrypoints, bktEpsByContract, bktOperations,
			bktOpsByContract, bktOpsByHash, bktConditions, bktCondScopes,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("could not create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltDBStore{db: db}, nil
}

// AddSponsor implements the Store interface.
func (s *BoltDBStore) AddSponsor(ctx context.Context, name, address string) (*Sponsor, error) {
	sp := &Sponsor{
		ID:        uuid.New(),
		Name:      name,
		Address:   address,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		addrs := tx.Bucket(bktSponsorAddrs)
		if addrs.Get([]byte(address)) != nil {
			return fmt.Errorf("%w: %s", ErrSponsorAlreadyRegistered, address)
		}
		if err := putJSON(tx.Bucket(bktSponsors), sp.ID[:], sp); err != nil {
			return err
		}
		return addrs.Put([]byte(address), sp.ID[:])
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// GetSponsor implements the Store interface.
func (s *BoltDBStore) GetSponsor(ctx context.Context, id uuid.UUID) (*Sponsor, error) {
	sp := new(Sponsor)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bktSponsors), id[:], sp, fmt.Errorf("%w: %s", ErrSponsorNotFound, id))
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// GetSponsorByAddress implements the Store interface.
func (s *BoltDBStore) GetSponsorByAddress(ctx context.Context, address string) (*Sponsor, error) {
	sp := new(Sponsor)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bktSponsorAddrs).Get([]byte(address))
		if id == nil {
			return fmt.Errorf("%w: %s", ErrSponsorNotFound, address)
		}
		return getJSON(tx.Bucket(bktSponsors), id, sp, fmt.Errorf("%w: %s", ErrSponsorNotFound, address))
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// SetWithdrawCounter implements the Store interface.
func (s *BoltDBStore) SetWithdrawCounter(ctx context.Context, id uuid.UUID, counter int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktSponsors)
		sp := new(Sponsor)
		if err := getJSON(b, id[:], sp, fmt.Errorf("%w: %s", ErrSponsorNotFound, id)); err != nil {
			return err
		}
		if counter <= sp.WithdrawCounter {
			return fmt.Errorf("%w: %d is not past %d", ErrBadWithdrawCounter, counter, sp.WithdrawCounter)
		}
		sp.WithdrawCounter = counter
		return putJSON(b, id[:], sp)
	})
}

// AddVault implements the Store interface.
func (s *BoltDBStore) AddVault(ctx context.Context, ownerID uuid.UUID) (*Vault, error) {
	v := &Vault{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bktSponsors).Get(ownerID[:]) == nil {
			return fmt.Errorf("%w: %s", ErrSponsorNotFound, ownerID)
		}
		return putJSON(tx.Bucket(bktVaults), v.ID[:], v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetVault implements the Store interface.
func (s *BoltDBStore) GetVault(ctx context.Context, id uuid.UUID) (*Vault, error) {
	v := new(Vault)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bktVaults), id[:], v, fmt.Errorf("%w: %s", ErrVaultNotFound, id))
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// GetVaultsByOwner implements the Store interface.
func (s *BoltDBStore) GetVaultsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Vault, error) {
	var res []*Vault
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bktVaults).ForEach(func(k, data []byte) error {
			v := new(Vault)
			if err := json.Unmarshal(data, v); err != nil {
				return err
			}
			if v.OwnerID == ownerID {
				res = append(res, v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetVaultByContract implements the Store interface.
func (s *BoltDBStore) GetVaultByContract(ctx context.Context, address string) (*Vault, error) {
	v := new(Vault)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := contractByAddress(tx, address)
		if err != nil {
			return err
		}
		return getJSON(tx.Bucket(bktVaults), c.VaultID[:], v, fmt.Errorf("%w: for contract %s", ErrVaultNotFound, address))
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// CreditVault implements the Store interface.
func (s *BoltDBStore) CreditVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error) {
	return s.moveVault(id, delta)
}

// DebitVault implements the Store interface.
func (s *BoltDBStore) DebitVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error) {
	return s.moveVault(id, -delta)
}

func (s *BoltDBStore) moveVault(id uuid.UUID, delta int64) (*Vault, error) {
	v := new(Vault)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktVaults)
		if err := getJSON(b, id[:], v, fmt.Errorf("%w: %s", ErrVaultNotFound, id)); err != nil {
			return err
		}
		if v.Amount+delta < 0 {
			return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughFunds, v.Amount, -delta)
		}
		v.Amount += delta
		return putJSON(b, id[:], v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// AddContract implements the Store interface.
func (s *BoltDBStore) AddContract(ctx context.Context, reg ContractRegistration) (*Contract, []*Entrypoint, error) {
	c := &Contract{
		ID:               uuid.New(),
		Name:             reg.Name,
		Address:          reg.Address,
		OwnerID:          reg.OwnerID,
		VaultID:          reg.VaultID,
		MaxCallsPerMonth: reg.MaxCallsPerMonth,
		CreatedAt:        time.Now().UTC(),
	}
	eps := make([]*Entrypoint, 0, len(reg.Entrypoints))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		addrs := tx.Bucket(bktContractAddrs)
		if addrs.Get([]byte(reg.Address)) != nil {
			return fmt.Errorf("%w: %s", ErrContractAlreadyRegistered, reg.Address)
		}
		if tx.Bucket(bktSponsors).Get(reg.OwnerID[:]) == nil {
			return fmt.Errorf("%w: %s", ErrSponsorNotFound, reg.OwnerID)
		}
		if tx.Bucket(bktVaults).Get(reg.VaultID[:]) == nil {
			return fmt.Errorf("%w: %s", ErrVaultNotFound, reg.VaultID)
		}
		if err := putJSON(tx.Bucket(bktContracts), c.ID[:], c); err != nil {
			return err
		}
		if err := addrs.Put([]byte(reg.Address), c.ID[:]); err != nil {
			return err
		}
		names := tx.Bucket(bktEpsByContract)
		for _, t := range reg.Entrypoints {
			key := epNameKey(c.ID, t.Name)
			if names.Get(key) != nil {
				return fmt.Errorf("duplicate entrypoint %q for %s", t.Name, reg.Address)
			}
			ep := &Entrypoint{
				ID:         uuid.New(),
				ContractID: c.ID,
				Name:       t.Name,
				IsEnabled:  t.IsEnabled,
			}
			if err := putJSON(tx.Bucket(bktEntrypoints), ep.ID[:], ep); err != nil {
				return err
			}
			if err := names.Put(key, ep.ID[:]); err != nil {
				return err
			}
			eps = append(eps, ep)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, eps, nil
}

// GetContract implements the Store interface.
func (s *BoltDBStore) GetContract(ctx context.Context, id uuid.UUID) (*Contract, error) {
	c := new(Contract)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bktContracts), id[:], c, fmt.Errorf("%w: %s", ErrContractNotFound, id))
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetContractByAddress implements the Store interface.
func (s *BoltDBStore) GetContractByAddress(ctx context.Context, address string) (*Contract, error) {
	var c *Contract
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = contractByAddress(tx, address)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetContractsByOwner implements the Store interface.
func (s *BoltDBStore) GetContractsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Contract, error) {
	return s.filterContracts(func(c *Contract) bool { return c.OwnerID == ownerID })
}

// GetContractsByVault implements the Store interface.
func (s *BoltDBStore) GetContractsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Contract, error) {
	return s.filterContracts(func(c *Contract) bool { return c.VaultID == vaultID })
}

func (s *BoltDBStore) filterContracts(keep func(*Contract) bool) ([]*Contract, error) {
	var res []*Contract
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bktContracts).ForEach(func(k, data []byte) error {
			c := new(Contract)
			if err := json.Unmarshal(data, c); err != nil {
				return err
			}
			if keep(c) {
				res = append(res, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// SetMaxCallsPerMonth implements the Store interface.
func (s *BoltDBStore) SetMaxCallsPerMonth(ctx context.Context, id uuid.UUID, max int64) (*Contract, error) {
	c := new(Contract)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktContracts)
		if err := getJSON(b, id[:], c, fmt.Errorf("%w: %s", ErrContractNotFound, id)); err != nil {
			return err
		}
		c.MaxCallsPerMonth = max
		return putJSON(b, id[:], c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetEntrypoint implements the Store interface.
func (s *BoltDBStore) GetEntrypoint(ctx context.Context, contractID uuid.UUID, name string) (*Entrypoint, error) {
	ep := new(Entrypoint)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bktEpsByContract).Get(epNameKey(contractID, name))
		if id == nil {
			return fmt.Errorf("%w: %s", ErrEntrypointNotFound, name)
		}
		return getJSON(tx.Bucket(bktEntrypoints), id, ep, fmt.Errorf("%w: %s", ErrEntrypointNotFound, name))
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// GetEntrypoints implements the Store interface.
func (s *BoltDBStore) GetEntrypoints(ctx context.Context, contractID uuid.UUID) ([]*Entrypoint, error) {
	var res []*Entrypoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		eps := tx.Bucket(bktEntrypoints)
		c := tx.Bucket(bktEpsByContract).Cursor()
		prefix := contractID[:]
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			ep := new(Entrypoint)
			if err := getJSON(eps, id, ep, ErrEntrypointNotFound); err != nil {
				return err
			}
			res = append(res, ep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateEntrypoints implements the Store interface.
func (s *BoltDBStore) UpdateEntrypoints(ctx context.Context, updates []EntrypointUpdate) ([]*Entrypoint, error) {
	res := make([]*Entrypoint, 0, len(updates))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktEntrypoints)
		for _, u := range updates {
			ep := new(Entrypoint)
			if err := getJSON(b, u.ID[:], ep, fmt.Errorf("%w: %s", ErrEntrypointNotFound, u.ID)); err != nil {
				return err
			}
			ep.IsEnabled = u.IsEnabled
			if err := putJSON(b, u.ID[:], ep); err != nil {
				return err
			}
			res = append(res, ep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecordOperation implements the Store interface.
func (s *BoltDBStore) RecordOperation(ctx context.Context, op *Operation) (*Operation, error) {
	cp := *op
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(bktOperations), cp.ID[:], &cp); err != nil {
			return err
		}
		if err := tx.Bucket(bktOpsByContract).Put(opTimeKey(cp.ContractID, cp.CreatedAt, cp.ID), []byte(cp.Sender)); err != nil {
			return err
		}
		return tx.Bucket(bktOpsByHash).Put(opHashKey(cp.TxHash, cp.ID), cp.ContractID[:])
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetOperationCost implements the Store interface.
func (s *BoltDBStore) SetOperationCost(ctx context.Context, txHash string, contractID uuid.UUID, cost int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		ops := tx.Bucket(bktOperations)
		c := tx.Bucket(bktOpsByHash).Cursor()
		prefix := []byte(txHash)
		found := false
		for k, cid := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, cid = c.Next() {
			if !bytes.Equal(cid, contractID[:]) {
				continue
			}
			opID := k[len(prefix):]
			op := new(Operation)
			if err := getJSON(ops, opID, op, ErrOperationNotFound); err != nil {
				return err
			}
			op.Cost = &cost
			if err := putJSON(ops, opID, op); err != nil {
				return err
			}
			found = true
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrOperationNotFound, txHash)
		}
		return nil
	})
}

// CountContractOperationsSince implements the Store interface.
func (s *BoltDBStore) CountContractOperationsSince(ctx context.Context, contractID uuid.UUID, since time.Time) (int64, error) {
	return s.countOps(contractID, since, func([]byte) bool { return true })
}

// CountSenderOperationsSince implements the Store interface.
func (s *BoltDBStore) CountSenderOperationsSince(ctx context.Context, contractID uuid.UUID, sender string, since time.Time) (int64, error) {
	want := []byte(sender)
	return s.countOps(contractID, since, func(v []byte) bool { return bytes.Equal(v, want) })
}

func (s *BoltDBStore) countOps(contractID uuid.UUID, since time.Time, keep func(v []byte) bool) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bktOpsByContract).Cursor()
		prefix := contractID[:]
		start := make([]byte, len(prefix)+8)
		copy(start, prefix)
		binary.BigEndian.PutUint64(start[len(prefix):], uint64(since.UTC().UnixNano()))
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if keep(v) {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AddCondition implements the Store interface.
func (s *BoltDBStore) AddCondition(ctx context.Context, c *Condition) (*Condition, error) {
	if err := validateCondition(c); err != nil {
		return nil, err
	}
	cp := *c
	if c.EntrypointID != nil {
		id := *c.EntrypointID
		cp.EntrypointID = &id
	}
	cp.ID = uuid.New()
	cp.Current = 0
	cp.IsActive = true
	cp.CreatedAt = time.Now().UTC()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		scopes := tx.Bucket(bktCondScopes)
		key := condScopeKey(&cp)
		if scopes.Get(key) != nil {
			return fmt.Errorf("%w: %s scope taken", ErrConditionAlreadyExists, cp.Kind)
		}
		if err := putJSON(tx.Bucket(bktConditions), cp.ID[:], &cp); err != nil {
			return err
		}
		return scopes.Put(key, cp.ID[:])
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetConditionsByVault implements the Store interface.
func (s *BoltDBStore) GetConditionsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Condition, error) {
	var res []*Condition
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bktConditions).ForEach(func(k, data []byte) error {
			c := new(Condition)
			if err := json.Unmarshal(data, c); err != nil {
				return err
			}
			if c.VaultID == vaultID {
				res = append(res, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetEntrypointCondition implements the Store interface.
func (s *BoltDBStore) GetEntrypointCondition(ctx context.Context, contractID, entrypointID, vaultID uuid.UUID) (*Condition, error) {
	return s.scopedCondition(scopeKey(MaxCallsPerEntrypoint, contractID, entrypointID, vaultID))
}

// GetSponseeCondition implements the Store interface.
func (s *BoltDBStore) GetSponseeCondition(ctx context.Context, contractID, vaultID uuid.UUID) (*Condition, error) {
	return s.scopedCondition(scopeKey(MaxCallsPerSponsee, contractID, uuid.Nil, vaultID))
}

func (s *BoltDBStore) scopedCondition(key []byte) (*Condition, error) {
	c := new(Condition)
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bktCondScopes).Get(key)
		if id == nil {
			return ErrConditionNotFound
		}
		return getJSON(tx.Bucket(bktConditions), id, c, ErrConditionNotFound)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CountConditionCall implements the Store interface.
func (s *BoltDBStore) CountConditionCall(ctx context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktConditions)
		c := new(Condition)
		if err := getJSON(b, id[:], c, fmt.Errorf("%w: %s", ErrConditionNotFound, id)); err != nil {
			return err
		}
		if !c.IsActive || c.Current >= c.Max {
			return fmt.Errorf("%w: %d of %d calls used", ErrConditionExceeded, c.Current, c.Max)
		}
		c.Current++
		return putJSON(b, id[:], c)
	})
}

// Close releases all db resources.
func (s *BoltDBStore) Close() error {
	return s.db.Close()
}

func contractByAddress(tx *bbolt.Tx, address string) (*Contract, error) {
	id := tx.Bucket(bktContractAddrs).Get([]byte(address))
	if id == nil {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, address)
	}
	c := new(Contract)
	if err := getJSON(tx.Bucket(bktContracts), id, c, fmt.Errorf("%w: %s", ErrContractNotFound, address)); err != nil {
		return nil, err
	}
	return c, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v any, notFound error) error {
	data := b.Get(key)
	if data == nil {
		return notFound
	}
	return json.Unmarshal(data, v)
}

func epNameKey(contractID uuid.UUID, name string) []byte {
	return append(contractID[:], []byte(name)...)
}

func opTimeKey(contractID uuid.UUID, at time.Time, opID uuid.UUID) []byte {
	key := make([]byte, 0, 40)
	key = append(key, contractID[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UTC().UnixNano()))
	key = append(key, ts[:]...)
	return append(key, opID[:]...)
}

func opHashKey(txHash string, opID uuid.UUID) []byte {
	return append([]byte(txHash), opID[:]...)
}

func condScopeKey(c *Condition) []byte {
	epID := uuid.Nil
	if c.EntrypointID != nil {
		epID = *c.EntrypointID
	}
	return scopeKey(c.Kind, c.ContractID, epID, c.VaultID)
}

func scopeKey(kind ConditionKind, contractID, entrypointID, vaultID uuid.UUID) []byte {
	key := make([]byte, 0, len(kind)+48)
	key = append(key, []byte(kind)...)
	key = append(key, contractID[:]...)
	key = append(key, entrypointID[:]...)
	return append(key, vaultID[:]...)
}
