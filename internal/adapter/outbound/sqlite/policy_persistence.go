// Package sqlite persists the policy-plane state in an embedded SQLite
// database so the control plane survives restarts without external
// infrastructure.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Sentinel-Gate/toolgate/internal/domain/policy"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS services (
	name  TEXT PRIMARY KEY,
	entry TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS access_rules (
	id   TEXT PRIMARY KEY,
	rule TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS revocations (
	subject TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS governance_bindings (
	service       TEXT PRIMARY KEY,
	governance_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// PolicyPersistence implements policy.Persistence on a SQLite database.
// The policy store serializes all writes, so the adapter needs no locking
// of its own.
type PolicyPersistence struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*PolicyPersistence, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// modernc sqlite serializes writes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)

	p, err := NewPolicyPersistence(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPolicyPersistence wraps an existing database handle and runs migrations.
func NewPolicyPersistence(db *sql.DB) (*PolicyPersistence, error) {
	p := &PolicyPersistence{db: db}
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate policy schema: %w", err)
	}
	return p, nil
}

func (p *PolicyPersistence) migrate() error {
	_, err := p.db.ExecContext(context.Background(), schema)
	return err
}

// Load reads the full persisted state. It returns nil when no revision was
// ever recorded, which the policy store treats as a first start.
func (p *PolicyPersistence) Load(ctx context.Context) (*policy.State, error) {
	var revText string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'revision'`).Scan(&revText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}
	revision, err := strconv.ParseUint(revText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt revision %q: %w", revText, err)
	}

	state := policy.NewState()
	state.Revision = revision

	if err := p.loadServices(ctx, state); err != nil {
		return nil, err
	}
	if err := p.loadRules(ctx, state); err != nil {
		return nil, err
	}
	if err := p.loadRevocations(ctx, state); err != nil {
		return nil, err
	}
	if err := p.loadBindings(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (p *PolicyPersistence) loadServices(ctx context.Context, state *policy.State) error {
	rows, err := p.db.QueryContext(ctx, `SELECT name, entry FROM services`)
	if err != nil {
		return fmt.Errorf("failed to read services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return err
		}
		var entry policy.ServiceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return fmt.Errorf("corrupt service entry %q: %w", name, err)
		}
		state.Catalog[name] = entry
	}
	return rows.Err()
}

func (p *PolicyPersistence) loadRules(ctx context.Context, state *policy.State) error {
	rows, err := p.db.QueryContext(ctx, `SELECT id, rule FROM access_rules`)
	if err != nil {
		return fmt.Errorf("failed to read access rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		var rule policy.AccessRule
		if err := json.Unmarshal([]byte(raw), &rule); err != nil {
			return fmt.Errorf("corrupt access rule %q: %w", id, err)
		}
		state.AccessRules[id] = rule
	}
	return rows.Err()
}

func (p *PolicyPersistence) loadRevocations(ctx context.Context, state *policy.State) error {
	rows, err := p.db.QueryContext(ctx, `SELECT subject FROM revocations`)
	if err != nil {
		return fmt.Errorf("failed to read revocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return err
		}
		state.RevokedSubjects[subject] = struct{}{}
	}
	return rows.Err()
}

func (p *PolicyPersistence) loadBindings(ctx context.Context, state *policy.State) error {
	rows, err := p.db.QueryContext(ctx, `SELECT service, governance_id FROM governance_bindings`)
	if err != nil {
		return fmt.Errorf("failed to read governance bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var service, governanceID string
		if err := rows.Scan(&service, &governanceID); err != nil {
			return err
		}
		state.GovernanceInstances[service] = governanceID
	}
	return rows.Err()
}

// SaveService upserts one catalog entry.
func (p *PolicyPersistence) SaveService(ctx context.Context, name string, entry policy.ServiceEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode service entry: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO services (name, entry) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET entry = excluded.entry`,
		name, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save service %q: %w", name, err)
	}
	return nil
}

// DeleteService removes a catalog entry.
func (p *PolicyPersistence) DeleteService(ctx context.Context, name string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM services WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete service %q: %w", name, err)
	}
	return nil
}

// SaveRule upserts one access rule.
func (p *PolicyPersistence) SaveRule(ctx context.Context, rule policy.AccessRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode access rule: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO access_rules (id, rule) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET rule = excluded.rule`,
		rule.ID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save rule %q: %w", rule.ID, err)
	}
	return nil
}

// DeleteRule removes an access rule by id.
func (p *PolicyPersistence) DeleteRule(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM access_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete rule %q: %w", id, err)
	}
	return nil
}

// SaveRevocation adds a subject to the revocation set.
func (p *PolicyPersistence) SaveRevocation(ctx context.Context, subject string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO revocations (subject) VALUES (?) ON CONFLICT(subject) DO NOTHING`, subject)
	if err != nil {
		return fmt.Errorf("failed to save revocation %q: %w", subject, err)
	}
	return nil
}

// DeleteRevocation removes a subject from the revocation set.
func (p *PolicyPersistence) DeleteRevocation(ctx context.Context, subject string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM revocations WHERE subject = ?`, subject); err != nil {
		return fmt.Errorf("failed to delete revocation %q: %w", subject, err)
	}
	return nil
}

// SaveGovernanceBinding upserts a service's governance instance id.
func (p *PolicyPersistence) SaveGovernanceBinding(ctx context.Context, service, governanceID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO governance_bindings (service, governance_id) VALUES (?, ?)
		 ON CONFLICT(service) DO UPDATE SET governance_id = excluded.governance_id`,
		service, governanceID)
	if err != nil {
		return fmt.Errorf("failed to save governance binding %q: %w", service, err)
	}
	return nil
}

// DeleteGovernanceBinding removes a service's governance binding.
func (p *PolicyPersistence) DeleteGovernanceBinding(ctx context.Context, service string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM governance_bindings WHERE service = ?`, service); err != nil {
		return fmt.Errorf("failed to delete governance binding %q: %w", service, err)
	}
	return nil
}

// SaveRevision records the current change-stream revision. The policy store
// writes it after every mutation, so its presence marks a non-empty store.
func (p *PolicyPersistence) SaveRevision(ctx context.Context, revision uint64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('revision', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatUint(revision, 10))
	if err != nil {
		return fmt.Errorf("failed to save revision: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (p *PolicyPersistence) Close() error {
	return p.db.Close()
}

// Compile-time interface verification.
var _ policy.Persistence = (*PolicyPersistence)(nil)
