// SPDX-License-Identifier: BSD-3-Clause

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/graph"
)

// engine is the shared, backend-agnostic implementation of Provider:
// everything except connection setup is identical across postgres and
// sqlite, since both speak database/sql and both support ON CONFLICT
// upserts. pkg/persistence/postgres and pkg/persistence/sqlite each wrap
// this with their own driver and connection pooling.
type engine struct {
	db      *sql.DB
	dialect dialect
	cfg     *Config
}

// newEngine builds the shared provider. Callers (postgres.NewProvider,
// sqlite.NewProvider) supply an already-open, already-pooled *sql.DB.
func newEngine(db *sql.DB, d dialect, cfg *Config) (*engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &engine{db: db, dialect: d, cfg: cfg}, nil
}

// NewPostgresEngine returns a Provider over db using Postgres SQL syntax.
// It is exported so pkg/persistence/postgres can build a Provider without
// this package's generic engine type leaking into the public API.
func NewPostgresEngine(db *sql.DB, cfg *Config) (Provider, error) {
	return newEngine(db, postgresDialect, cfg)
}

// NewSQLiteEngine returns a Provider over db using SQLite SQL syntax.
func NewSQLiteEngine(db *sql.DB, cfg *Config) (Provider, error) {
	return newEngine(db, sqliteDialect, cfg)
}

const partitionsRegistryTable = "statewire_partitions"

func (e *engine) Initialize(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			table_name TEXT PRIMARY KEY,
			period_key TEXT NOT NULL,
			strategy TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, partitionsRegistryTable))
	if err != nil {
		return fmt.Errorf("persistence: initialize partitions registry: %w", err)
	}

	switch e.cfg.Strategy {
	case Monthly:
		_, err := e.ensureMonthlyPartition(ctx, time.Now())
		return err
	case Range, Hash:
		return e.ensureBaseTable(ctx)
	default:
		return fmt.Errorf("%w: unknown strategy", ErrInvalidConfig)
	}
}

func (e *engine) rootTableDDL(name string, withPartitionKey bool) string {
	extra := ""
	if withPartitionKey {
		extra = "partition_key TEXT NOT NULL,\n"
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			current_state TEXT NOT NULL,
			last_state_change TIMESTAMP NOT NULL,
			complete BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			entity_data TEXT,
			%sPRIMARY KEY (id, created_at)
		)`, name, extra)
}

func (e *engine) childTableDDL(name string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			root_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			singleton_key TEXT,
			entity_data TEXT,
			PRIMARY KEY (id, created_at)
		)`, name)
}

func (e *engine) ensureBaseTable(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, e.rootTableDDL(e.cfg.BaseTable, e.cfg.Strategy != Monthly))
	return err
}

func (e *engine) ensureMonthlyPartition(ctx context.Context, t time.Time) (string, error) {
	table := TableName(e.cfg.BaseTable, t)
	if _, err := e.db.ExecContext(ctx, e.rootTableDDL(table, false)); err != nil {
		return "", fmt.Errorf("persistence: create monthly partition %s: %w", table, err)
	}
	periodKey := fmt.Sprintf("%04d%02d", t.Year(), int(t.Month()))
	if err := e.registerPartition(ctx, table, periodKey, Monthly.String()); err != nil {
		return "", err
	}
	return table, nil
}

func (e *engine) registerPartition(ctx context.Context, table, periodKey, strategy string) error {
	q := upsertSQL(e.dialect, partitionsRegistryTable,
		[]string{"table_name"},
		[]string{"table_name", "period_key", "strategy", "created_at"})
	_, err := e.db.ExecContext(ctx, q, table, periodKey, strategy, time.Now())
	return err
}

// targetTable resolves the root table a row with the given createdAt
// belongs to and, for Range/Hash strategies, its partition_key value.
func (e *engine) targetTable(ctx context.Context, id entity.ID, createdAt time.Time) (table string, partitionKey string, err error) {
	switch e.cfg.Strategy {
	case Monthly:
		if !e.cfg.AutoCreate {
			table = TableName(e.cfg.BaseTable, createdAt)
			return table, "", nil
		}
		table, err = e.ensureMonthlyPartition(ctx, createdAt)
		return table, "", err
	case Range:
		key := RangePartitionName(createdAt)
		if err := e.registerPartition(ctx, e.cfg.BaseTable, key, Range.String()); err != nil {
			return "", "", err
		}
		return e.cfg.BaseTable, key, nil
	case Hash:
		key := HashPartitionName(id.String(), e.cfg.HashBuckets)
		if err := e.registerPartition(ctx, e.cfg.BaseTable, key, Hash.String()); err != nil {
			return "", "", err
		}
		return e.cfg.BaseTable, key, nil
	default:
		return "", "", fmt.Errorf("%w: unknown strategy", ErrInvalidConfig)
	}
}

func (e *engine) Save(ctx context.Context, snap Snapshot, root entity.PersistentContext) error {
	table, partitionKey, err := e.targetTable(ctx, snap.ID, snap.CreatedAt)
	if err != nil {
		return err
	}

	blob, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("persistence: marshal persistent context: %w", err)
	}

	cols := []string{"id", "current_state", "last_state_change", "complete", "created_at", "entity_data"}
	args := []any{snap.ID.String(), snap.CurrentState, snap.LastStateChange, snap.Complete, snap.CreatedAt, string(blob)}
	if partitionKey != "" {
		cols = append(cols, "partition_key")
		args = append(args, partitionKey)
	}

	q := upsertSQL(e.dialect, table, []string{"id", "created_at"}, cols)
	if _, err := e.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("persistence: save root %s: %w", snap.ID, err)
	}

	session := graph.NewSession()
	return graph.Walk(root, func(n graph.Node) error {
		return e.saveNode(ctx, snap.ID, n, session)
	})
}

func (e *engine) saveNode(ctx context.Context, rootID entity.ID, n graph.Node, session *graph.Session) error {
	table := n.Meta.Table
	if table == "" {
		table = n.Meta.SingletonKey
	}
	if _, err := e.db.ExecContext(ctx, e.childTableDDL(table)); err != nil {
		return fmt.Errorf("persistence: create child table %s: %w", table, err)
	}

	write := func(se entity.ShardingEntity) error {
		if n.Meta.Singleton {
			_, reused, err := session.GetOrStore(n.Meta.SingletonKey+"/"+se.ShardID().String(), func() (entity.ShardingEntity, error) {
				return se, nil
			})
			if err != nil {
				return err
			}
			if reused {
				return nil
			}
		}
		blob, err := json.Marshal(se)
		if err != nil {
			return fmt.Errorf("persistence: marshal child %s: %w", table, err)
		}
		q := upsertSQL(e.dialect, table,
			[]string{"id", "created_at"},
			[]string{"id", "root_id", "created_at", "singleton_key", "entity_data"})
		singletonKey := sql.NullString{}
		if n.Meta.Singleton {
			singletonKey = sql.NullString{String: n.Meta.SingletonKey, Valid: true}
		}
		_, err = e.db.ExecContext(ctx, q, se.ShardID().String(), rootID.String(), se.CreatedAt(), singletonKey, string(blob))
		return err
	}

	if n.Meta.Relation == graph.RelationMany {
		for _, se := range n.Elements {
			if err := write(se); err != nil {
				return err
			}
		}
		return nil
	}
	if n.Value == nil {
		return nil
	}
	return write(n.Value)
}

func (e *engine) Load(ctx context.Context, id entity.ID, factory RootFactory) (Snapshot, entity.PersistentContext, error) {
	tables, err := e.candidateTables(ctx)
	if err != nil {
		return Snapshot{}, nil, err
	}

	for _, table := range tables {
		snap, blob, ok, err := e.loadFromTable(ctx, table, id)
		if err != nil {
			return Snapshot{}, nil, err
		}
		if !ok {
			continue
		}
		root := factory()
		if len(blob) > 0 {
			if err := json.Unmarshal(blob, root); err != nil {
				return Snapshot{}, nil, fmt.Errorf("persistence: unmarshal persistent context: %w", err)
			}
		}
		snap.EntityData = blob
		root.SetCurrentState(snap.CurrentState)
		root.SetLastStateChange(snap.LastStateChange)
		root.SetComplete(snap.Complete)

		if err := e.reattachChildren(ctx, id, root); err != nil {
			return Snapshot{}, nil, err
		}
		return snap, root, nil
	}
	return Snapshot{}, nil, ErrNotFound
}

// reattachChildren is the read-side mirror of Save's graph.Walk/saveNode
// pass: it queries each annotated field's table for rows keyed by
// rootID and reattaches them onto root, so a child whose field carries
// `json:"-"` (the row, not the parent blob, is its source of truth) still
// comes back populated.
func (e *engine) reattachChildren(ctx context.Context, rootID entity.ID, root entity.PersistentContext) error {
	session := graph.NewSession()
	return graph.Reattach(root, session, func(fm graph.FieldMeta) (entity.ShardingEntity, []entity.ShardingEntity, error) {
		table := fm.Table
		if table == "" {
			table = fm.SingletonKey
		}
		blobs, err := e.queryChildRows(ctx, table, rootID)
		if err != nil {
			return nil, nil, err
		}

		if fm.Relation == graph.RelationMany {
			elems := make([]entity.ShardingEntity, 0, len(blobs))
			for _, b := range blobs {
				se := fm.New()
				if len(b) > 0 {
					if err := json.Unmarshal(b, se); err != nil {
						return nil, nil, fmt.Errorf("persistence: unmarshal child %s: %w", table, err)
					}
				}
				elems = append(elems, se)
			}
			return nil, elems, nil
		}

		if len(blobs) == 0 {
			return nil, nil, nil
		}
		se := fm.New()
		if len(blobs[0]) > 0 {
			if err := json.Unmarshal(blobs[0], se); err != nil {
				return nil, nil, fmt.Errorf("persistence: unmarshal child %s: %w", table, err)
			}
		}
		return se, nil, nil
	})
}

// queryChildRows returns the entity_data blob of every row in table whose
// root_id is rootID, oldest first. table is created if it does not exist
// yet (e.g. a root saved before this annotated field was ever populated),
// so Load behaves the same whether or not the child has ever been written.
func (e *engine) queryChildRows(ctx context.Context, table string, rootID entity.ID) ([][]byte, error) {
	if _, err := e.db.ExecContext(ctx, e.childTableDDL(table)); err != nil {
		return nil, fmt.Errorf("persistence: create child table %s: %w", table, err)
	}

	q := fmt.Sprintf("SELECT entity_data FROM %s WHERE root_id = %s ORDER BY created_at", table, e.dialect.ph(1))
	rows, err := e.db.QueryContext(ctx, q, rootID.String())
	if err != nil {
		return nil, fmt.Errorf("persistence: load children from %s: %w", table, err)
	}
	defer rows.Close()

	var blobs [][]byte
	for rows.Next() {
		var blob sql.NullString
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		blobs = append(blobs, []byte(blob.String))
	}
	return blobs, rows.Err()
}

func (e *engine) loadFromTable(ctx context.Context, table string, id entity.ID) (Snapshot, []byte, bool, error) {
	q := fmt.Sprintf(
		"SELECT id, current_state, last_state_change, complete, created_at, entity_data FROM %s WHERE id = %s",
		table, e.dialect.ph(1))
	row := e.db.QueryRowContext(ctx, q, id.String())

	var snap Snapshot
	var idStr string
	var blob sql.NullString
	if err := row.Scan(&idStr, &snap.CurrentState, &snap.LastStateChange, &snap.Complete, &snap.CreatedAt, &blob); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, nil, false, nil
		}
		return Snapshot{}, nil, false, fmt.Errorf("persistence: load root from %s: %w", table, err)
	}
	snap.ID = entity.ID(idStr)
	return snap, []byte(blob.String), true, nil
}

// candidateTables lists, most-recent-first, the tables Load should scan:
// for Monthly, the registry's known partitions newest-first within the
// retention window; for Range/Hash, the single base table.
func (e *engine) candidateTables(ctx context.Context) ([]string, error) {
	if e.cfg.Strategy != Monthly {
		return []string{e.cfg.BaseTable}, nil
	}
	oldestKey := ""
	if e.cfg.RetentionWindow > 0 {
		cutoff := time.Now().Add(-e.cfg.RetentionWindow)
		oldestKey = fmt.Sprintf("%04d%02d", cutoff.Year(), int(cutoff.Month()))
	}
	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf("SELECT table_name FROM %s WHERE strategy = %s AND period_key >= %s ORDER BY period_key DESC",
			partitionsRegistryTable, e.dialect.ph(1), e.dialect.ph(2)),
		Monthly.String(), oldestKey)
	if err != nil {
		return nil, fmt.Errorf("persistence: list monthly partitions: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (e *engine) Exists(ctx context.Context, id entity.ID) (bool, error) {
	tables, err := e.candidateTables(ctx)
	if err != nil {
		return false, err
	}
	for _, table := range tables {
		_, _, ok, err := e.loadFromTable(ctx, table, id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *engine) Delete(ctx context.Context, id entity.ID) error {
	tables, err := e.candidateTables(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		q := fmt.Sprintf("DELETE FROM %s WHERE id = %s", table, e.dialect.ph(1))
		if _, err := e.db.ExecContext(ctx, q, id.String()); err != nil {
			return fmt.Errorf("persistence: delete root from %s: %w", table, err)
		}
	}
	return nil
}

func (e *engine) DeletePartitionsOlderThan(ctx context.Context, cutoff time.Time) error {
	switch e.cfg.Strategy {
	case Monthly:
		return e.deleteMonthlyOlderThan(ctx, cutoff)
	case Range:
		return e.deleteRangeOlderThan(ctx, cutoff)
	default:
		return nil
	}
}

func (e *engine) deleteMonthlyOlderThan(ctx context.Context, cutoff time.Time) error {
	activeKey := fmt.Sprintf("%04d%02d", time.Now().Year(), int(time.Now().Month()))
	cutoffKey := fmt.Sprintf("%04d%02d", cutoff.Year(), int(cutoff.Month()))

	rows, err := e.db.QueryContext(ctx,
		fmt.Sprintf("SELECT table_name, period_key FROM %s WHERE strategy = %s", partitionsRegistryTable, e.dialect.ph(1)),
		Monthly.String())
	if err != nil {
		return err
	}
	defer rows.Close()

	type partition struct{ table, key string }
	var stale []partition
	for rows.Next() {
		var p partition
		if err := rows.Scan(&p.table, &p.key); err != nil {
			return err
		}
		if p.key < cutoffKey && p.key != activeKey {
			stale = append(stale, p)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range stale {
		if _, err := e.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.table)); err != nil {
			return fmt.Errorf("persistence: drop stale partition %s: %w", p.table, err)
		}
		if _, err := e.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE table_name = %s", partitionsRegistryTable, e.dialect.ph(1)), p.table); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) deleteRangeOlderThan(ctx context.Context, cutoff time.Time) error {
	activeKey := RangePartitionName(time.Now())
	cutoffKey := RangePartitionName(cutoff)

	_, err := e.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE partition_key < %s AND partition_key <> %s",
			e.cfg.BaseTable, e.dialect.ph(1), e.dialect.ph(2)),
		cutoffKey, activeKey)
	return err
}
