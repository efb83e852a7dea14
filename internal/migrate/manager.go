package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"yuhak.app/internal/obs"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"

	// Advisory lock key shared by every binary that mutates the schema.
	schemaLockKey = 7741_2209
)

// Manager applies SQL migration and seed files from disk against Postgres.
// Up, Down and Seed serialize through a session advisory lock so that two
// deploys racing each other cannot interleave DDL.
type Manager struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
}

func NewManager(db *sql.DB, migrationsDir, seedsDir string) *Manager {
	return &Manager{db: db, migrationsDir: migrationsDir, seedsDir: seedsDir}
}

// Up applies every pending .up.sql file in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(ctx context.Context) error {
		applied, err := m.applied(ctx, migrationsTable)
		if err != nil {
			return err
		}
		files, err := listSQL(m.migrationsDir, ".up.sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if applied[f] {
				continue
			}
			if err := m.execFile(ctx, filepath.Join(m.migrationsDir, f)); err != nil {
				return fmt.Errorf("apply migration %s: %w", f, err)
			}
			if err := m.record(ctx, migrationsTable, f); err != nil {
				return err
			}
			obs.Emit("info", "migration_applied", map[string]any{"file": f})
		}
		return nil
	})
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(ctx context.Context) error {
		history, err := m.history(ctx)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return errors.New("no migrations applied")
		}
		last := history[len(history)-1]
		down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		path := filepath.Join(m.migrationsDir, down)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		if err := m.execFile(ctx, path); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		if _, err := m.db.ExecContext(ctx,
			`delete from `+migrationsTable+` where name = $1`, last); err != nil {
			return err
		}
		obs.Emit("info", "migration_rolled_back", map[string]any{"file": last})
		return nil
	})
}

// Seed applies every .sql file under the seeds directory exactly once.
func (m *Manager) Seed(ctx context.Context) error {
	return m.locked(ctx, func(ctx context.Context) error {
		applied, err := m.applied(ctx, seedsTable)
		if err != nil {
			return err
		}
		files, err := listSQL(m.seedsDir, ".sql")
		if err != nil {
			return err
		}
		for _, f := range files {
			if applied[f] {
				continue
			}
			if err := m.execFile(ctx, filepath.Join(m.seedsDir, f)); err != nil {
				return fmt.Errorf("apply seed %s: %w", f, err)
			}
			if err := m.record(ctx, seedsTable, f); err != nil {
				return err
			}
			obs.Emit("info", "seed_applied", map[string]any{"file": f})
		}
		return nil
	})
}

// Status reports applied migrations in application order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

// locked runs fn while holding the schema advisory lock on a dedicated
// connection, so the unlock pairs with the same session that locked.
func (m *Manager) locked(ctx context.Context, fn func(context.Context) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, schemaLockKey)
	}()
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := `create table if not exists ` + table + ` (
			name text primary key,
			applied_at timestamptz not null default now()
		)`
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) execFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) record(ctx context.Context, table, name string) error {
	_, err := m.db.ExecContext(ctx,
		`insert into `+table+`(name, applied_at) values ($1, $2)`, name, time.Now().UTC())
	return err
}

func (m *Manager) applied(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `select name from `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`select name from `+migrationsTable+` order by applied_at asc, name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// listSQL returns matching file names in a flat directory, sorted so that
// numeric prefixes run in order. A missing directory is treated as empty.
func listSQL(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits a file into statements on semicolons outside of
// single-quoted strings. Migration files here avoid dollar-quoted bodies.
func splitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	for _, r := range sql {
		switch r {
		case '\'':
			inString = !inString
			cur.WriteRune(r)
		case ';':
			cur.WriteRune(r)
			if !inString {
				stmts = append(stmts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if strings.TrimSpace(cur.String()) != "" {
		stmts = append(stmts, cur.String())
	}
	return stmts
}
