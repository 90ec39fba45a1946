package ledger

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migration is one forward-only schema revision. Revisions form a chain
// through downRevision, the base revision has none.
type migration struct {
	revision     string
	downRevision string
	body         string
}

// migrate applies every revision that is not yet recorded in
// schema_migrations, in chain order. There is no downgrade path.
func (s *PostgresStore) migrate(ctx context.Context) error {
	chain, err := loadMigrations()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			revision   text PRIMARY KEY,
			applied_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return err
	}
	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, `SELECT revision FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var rev string
		if err := rows.Scan(&rev); err != nil {
			rows.Close()
			return err
		}
		applied[rev] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range chain {
		if applied[m.revision] {
			continue
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, m.body); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("revision %s: %w", m.revision, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (revision) VALUES ($1)`, m.revision); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("revision %s: %w", m.revision, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("revision %s: %w", m.revision, err)
		}
	}
	return nil
}

// loadMigrations reads the embedded revisions and orders them by walking the
// down_revision chain from the base.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	byDown := make(map[string]migration, len(entries))
	var base *migration
	for _, e := range entries {
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		m, err := parseMigration(e.Name(), data)
		if err != nil {
			return nil, err
		}
		if m.downRevision == "" {
			if base != nil {
				return nil, fmt.Errorf("two base revisions: %s and %s", base.revision, m.revision)
			}
			mm := m
			base = &mm
			continue
		}
		if prev, dup := byDown[m.downRevision]; dup {
			return nil, fmt.Errorf("revisions %s and %s both follow %s", prev.revision, m.revision, m.downRevision)
		}
		byDown[m.downRevision] = m
	}
	if base == nil {
		return nil, fmt.Errorf("no base revision found")
	}
	chain := []migration{*base}
	for {
		next, ok := byDown[chain[len(chain)-1].revision]
		if !ok {
			break
		}
		chain = append(chain, next)
	}
	if len(chain) != len(entries) {
		return nil, fmt.Errorf("broken revision chain: %d of %d revisions reachable", len(chain), len(entries))
	}
	return chain, nil
}

// parseMigration extracts the revision headers from the leading comment
// block. Headers end at the first non-comment line.
func parseMigration(name string, data []byte) (migration, error) {
	m := migration{body: string(data)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		if strings.HasPrefix(line, "-- revision:") {
			m.revision = strings.TrimSpace(strings.TrimPrefix(line, "-- revision:"))
		}
		if strings.HasPrefix(line, "-- down_revision:") {
			down := strings.TrimSpace(strings.TrimPrefix(line, "-- down_revision:"))
			if down != "none" {
				m.downRevision = down
			}
		}
	}
	if err := sc.Err(); err != nil {
		return m, err
	}
	if m.revision == "" {
		return m, fmt.Errorf("%s: missing revision header", name)
	}
	return m, nil
}
