package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marigold-dev/gas-station/pkg/config"
)

// PostgresStore is the production Store backend. Mutations that couple a
// check with an update (debits, counter bumps) are single guarded statements,
// multi-row writes run in transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and brings the schema up to date
// before returning.
func NewPostgresStore(ctx context.Context, cfg config.PostgresOptions) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}
	return s, nil
}

const sponsorColumns = "id, name, address, withdraw_counter, created_at"

func scanSponsor(row pgx.Row) (*Sponsor, error) {
	sp := new(Sponsor)
	err := row.Scan(&sp.ID, &sp.Name, &sp.Address, &sp.WithdrawCounter, &sp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// AddSponsor implements the Store interface.
func (s *PostgresStore) AddSponsor(ctx context.Context, name, address string) (*Sponsor, error) {
	sp, err := scanSponsor(s.pool.QueryRow(ctx,
		`INSERT INTO users (id, name, address) VALUES ($1, $2, $3) RETURNING `+sponsorColumns,
		uuid.New(), name, address))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrSponsorAlreadyRegistered, address)
	}
	return sp, err
}

// GetSponsor implements the Store interface.
func (s *PostgresStore) GetSponsor(ctx context.Context, id uuid.UUID) (*Sponsor, error) {
	sp, err := scanSponsor(s.pool.QueryRow(ctx,
		`SELECT `+sponsorColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, id)
	}
	return sp, err
}

// GetSponsorByAddress implements the Store interface.
func (s *PostgresStore) GetSponsorByAddress(ctx context.Context, address string) (*Sponsor, error) {
	sp, err := scanSponsor(s.pool.QueryRow(ctx,
		`SELECT `+sponsorColumns+` FROM users WHERE address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, address)
	}
	return sp, err
}

// SetWithdrawCounter implements the Store interface.
func (s *PostgresStore) SetWithdrawCounter(ctx context.Context, id uuid.UUID, counter int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET withdraw_counter = $2 WHERE id = $1 AND withdraw_counter < $2`, id, counter)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSponsor(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d", ErrBadWithdrawCounter, counter)
	}
	return nil
}

const vaultColumns = "id, owner_id, amount, created_at"

func scanVault(row pgx.Row) (*Vault, error) {
	v := new(Vault)
	err := row.Scan(&v.ID, &v.OwnerID, &v.Amount, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// AddVault implements the Store interface.
func (s *PostgresStore) AddVault(ctx context.Context, ownerID uuid.UUID) (*Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx,
		`INSERT INTO credits (id, owner_id) VALUES ($1, $2) RETURNING `+vaultColumns,
		uuid.New(), ownerID))
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("%w: %s", ErrSponsorNotFound, ownerID)
	}
	return v, err
}

// GetVault implements the Store interface.
func (s *PostgresStore) GetVault(ctx context.Context, id uuid.UUID) (*Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx,
		`SELECT `+vaultColumns+` FROM credits WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	return v, err
}

// GetVaultsByOwner implements the Store interface.
func (s *PostgresStore) GetVaultsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Vault, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+vaultColumns+` FROM credits WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanVault)
}

// GetVaultByContract implements the Store interface.
func (s *PostgresStore) GetVaultByContract(ctx context.Context, address string) (*Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx,
		`SELECT c.id, c.owner_id, c.amount, c.created_at
		   FROM credits c JOIN contracts k ON k.credit_id = c.id
		  WHERE k.address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, address)
	}
	return v, err
}

// CreditVault implements the Store interface.
func (s *PostgresStore) CreditVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx,
		`UPDATE credits SET amount = amount + $2 WHERE id = $1 RETURNING `+vaultColumns, id, delta))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, id)
	}
	return v, err
}

// DebitVault implements the Store interface.
func (s *PostgresStore) DebitVault(ctx context.Context, id uuid.UUID, delta int64) (*Vault, error) {
	v, err := scanVault(s.pool.QueryRow(ctx,
		`UPDATE credits SET amount = amount - $2
		  WHERE id = $1 AND amount - $2 >= 0 RETURNING `+vaultColumns, id, delta))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetVault(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: debit of %d refused", ErrNotEnoughFunds, delta)
	}
	return v, err
}

const contractColumns = "id, name, address, owner_id, credit_id, max_calls_per_month, created_at"

func scanContract(row pgx.Row) (*Contract, error) {
	c := new(Contract)
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.OwnerID, &c.VaultID, &c.MaxCallsPerMonth, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AddContract implements the Store interface. The contract and all its
// entrypoints are written in one transaction.
func (s *PostgresStore) AddContract(ctx context.Context, reg ContractRegistration) (*Contract, []*Entrypoint, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	c, err := scanContract(tx.QueryRow(ctx,
		`INSERT INTO contracts (id, name, address, owner_id, credit_id, max_calls_per_month)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+contractColumns,
		uuid.New(), reg.Name, reg.Address, reg.OwnerID, reg.VaultID, reg.MaxCallsPerMonth))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrContractAlreadyRegistered, reg.Address)
		}
		if isForeignKeyViolation(err) {
			return nil, nil, fmt.Errorf("%w or %w: owner %s, vault %s",
				ErrSponsorNotFound, ErrVaultNotFound, reg.OwnerID, reg.VaultID)
		}
		return nil, nil, err
	}

	eps := make([]*Entrypoint, 0, len(reg.Entrypoints))
	batch := &pgx.Batch{}
	for _, t := range reg.Entrypoints {
		ep := &Entrypoint{
			ID:         uuid.New(),
			ContractID: c.ID,
			Name:       t.Name,
			IsEnabled:  t.IsEnabled,
		}
		batch.Queue(`INSERT INTO entrypoints (id, contract_id, name, is_enabled) VALUES ($1, $2, $3, $4)`,
			ep.ID, ep.ContractID, ep.Name, ep.IsEnabled)
		eps = append(eps, ep)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return nil, nil, fmt.Errorf("duplicate entrypoint for %s: %w", reg.Address, err)
			}
			return nil, nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return c, eps, nil
}

// GetContract implements the Store interface.
func (s *PostgresStore) GetContract(ctx context.Context, id uuid.UUID) (*Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	return c, err
}

// GetContractByAddress implements the Store interface.
func (s *PostgresStore) GetContractByAddress(ctx context.Context, address string) (*Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, address)
	}
	return c, err
}

// GetContractsByOwner implements the Store interface.
func (s *PostgresStore) GetContractsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanContract)
}

// GetContractsByVault implements the Store interface.
func (s *PostgresStore) GetContractsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Contract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE credit_id = $1 ORDER BY created_at`, vaultID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanContract)
}

// SetMaxCallsPerMonth implements the Store interface.
func (s *PostgresStore) SetMaxCallsPerMonth(ctx context.Context, id uuid.UUID, max int64) (*Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`UPDATE contracts SET max_calls_per_month = $2 WHERE id = $1 RETURNING `+contractColumns, id, max))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	return c, err
}

const entrypointColumns = "id, contract_id, name, is_enabled"

func scanEntrypoint(row pgx.Row) (*Entrypoint, error) {
	ep := new(Entrypoint)
	err := row.Scan(&ep.ID, &ep.ContractID, &ep.Name, &ep.IsEnabled)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// GetEntrypoint implements the Store interface.
func (s *PostgresStore) GetEntrypoint(ctx context.Context, contractID uuid.UUID, name string) (*Entrypoint, error) {
	ep, err := scanEntrypoint(s.pool.QueryRow(ctx,
		`SELECT `+entrypointColumns+` FROM entrypoints WHERE contract_id = $1 AND name = $2`, contractID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntrypointNotFound, name)
	}
	return ep, err
}

// GetEntrypoints implements the Store interface.
func (s *PostgresStore) GetEntrypoints(ctx context.Context, contractID uuid.UUID) ([]*Entrypoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entrypointColumns+` FROM entrypoints WHERE contract_id = $1 ORDER BY name`, contractID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEntrypoint)
}

// UpdateEntrypoints implements the Store interface.
func (s *PostgresStore) UpdateEntrypoints(ctx context.Context, updates []EntrypointUpdate) ([]*Entrypoint, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res := make([]*Entrypoint, 0, len(updates))
	for _, u := range updates {
		ep, err := scanEntrypoint(tx.QueryRow(ctx,
			`UPDATE entrypoints SET is_enabled = $2 WHERE id = $1 RETURNING `+entrypointColumns,
			u.ID, u.IsEnabled))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEntrypointNotFound, u.ID)
		}
		if err != nil {
			return nil, err
		}
		res = append(res, ep)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// RecordOperation implements the Store interface.
func (s *PostgresStore) RecordOperation(ctx context.Context, op *Operation) (*Operation, error) {
	cp := *op
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO operations (id, user_address, contract_id, entrypoint_id, hash, status, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.ID, cp.Sender, cp.ContractID, cp.EntrypointID, cp.TxHash, cp.Status, cp.Cost, cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetOperationCost implements the Store interface.
func (s *PostgresStore) SetOperationCost(ctx context.Context, txHash string, contractID uuid.UUID, cost int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE operations SET cost = $3 WHERE hash = $1 AND contract_id = $2`, txHash, contractID, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, txHash)
	}
	return nil
}

// CountContractOperationsSince implements the Store interface.
func (s *PostgresStore) CountContractOperationsSince(ctx context.Context, contractID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM operations WHERE contract_id = $1 AND created_at >= $2`,
		contractID, since).Scan(&n)
	return n, err
}

// CountSenderOperationsSince implements the Store interface.
func (s *PostgresStore) CountSenderOperationsSince(ctx context.Context, contractID uuid.UUID, sender string, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM operations WHERE contract_id = $1 AND user_address = $2 AND created_at >= $3`,
		contractID, sender, since).Scan(&n)
	return n, err
}

const conditionColumns = "id, type, contract_id, entrypoint_id, vault_id, max, current, is_active, created_at"

func scanCondition(row pgx.Row) (*Condition, error) {
	c := new(Condition)
	err := row.Scan(&c.ID, &c.Kind, &c.ContractID, &c.EntrypointID, &c.VaultID,
		&c.Max, &c.Current, &c.IsActive, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AddCondition implements the Store interface. Partial unique indexes keep at
// most one active condition per scope.
func (s *PostgresStore) AddCondition(ctx context.Context, c *Condition) (*Condition, error) {
	if err := validateCondition(c); err != nil {
		return nil, err
	}
	created, err := scanCondition(s.pool.QueryRow(ctx,
		`INSERT INTO conditions (id, type, contract_id, entrypoint_id, vault_id, max)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+conditionColumns,
		uuid.New(), c.Kind, c.ContractID, c.EntrypointID, c.VaultID, c.Max))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s scope taken", ErrConditionAlreadyExists, c.Kind)
	}
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("%w: condition scope does not resolve", ErrContractNotFound)
	}
	return created, err
}

// GetConditionsByVault implements the Store interface.
func (s *PostgresStore) GetConditionsByVault(ctx context.Context, vaultID uuid.UUID) ([]*Condition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conditionColumns+` FROM conditions WHERE vault_id = $1 ORDER BY created_at`, vaultID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCondition)
}

// GetEntrypointCondition implements the Store interface.
func (s *PostgresStore) GetEntrypointCondition(ctx context.Context, contractID, entrypointID, vaultID uuid.UUID) (*Condition, error) {
	c, err := scanCondition(s.pool.QueryRow(ctx,
		`SELECT `+conditionColumns+` FROM conditions
		  WHERE type = $1 AND contract_id = $2 AND entrypoint_id = $3 AND vault_id = $4 AND is_active`,
		MaxCallsPerEntrypoint, contractID, entrypointID, vaultID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConditionNotFound
	}
	return c, err
}

// GetSponseeCondition implements the Store interface.
func (s *PostgresStore) GetSponseeCondition(ctx context.Context, contractID, vaultID uuid.UUID) (*Condition, error) {
	c, err := scanCondition(s.pool.QueryRow(ctx,
		`SELECT `+conditionColumns+` FROM conditions
		  WHERE type = $1 AND contract_id = $2 AND vault_id = $3 AND is_active`,
		MaxCallsPerSponsee, contractID, vaultID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConditionNotFound
	}
	return c, err
}

// CountConditionCall implements the Store interface.
func (s *PostgresStore) CountConditionCall(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conditions SET current = current + 1 WHERE id = $1 AND is_active AND current < max`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM conditions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrConditionNotFound, id)
		}
		return fmt.Errorf("%w: all calls used", ErrConditionExceeded)
	}
	return nil
}

// Close implements the Store interface.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// collect drains rows into a slice with the given row scanner.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var res []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
