package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

const sqliteKind = "sqlite"

// SQLiteTargetSpec exports a collector into one table of a SQLite
// database file. Collector key fields become the primary key.
type SQLiteTargetSpec struct {
	Database string `json:"database"`
	Table    string `json:"table"`
}

// TargetKind implements graph.TargetSpec.
func (SQLiteTargetSpec) TargetKind() string { return sqliteKind }

type sqliteTarget struct{}

func newSQLiteTarget(spec graph.TargetSpec) (graph.TargetConnector, error) {
	s := spec.(SQLiteTargetSpec)
	if s.Database == "" || s.Table == "" {
		return nil, fmt.Errorf("sqlite: database and table are required")
	}
	if strings.Contains(s.Table, `"`) {
		return nil, fmt.Errorf("sqlite: invalid table name %q", s.Table)
	}
	return sqliteTarget{}, nil
}

func (sqliteTarget) PersistentKey(spec graph.TargetSpec, targetName string) (string, error) {
	s := spec.(SQLiteTargetSpec)
	return "sqlite:" + filepath.Clean(s.Database) + ":" + s.Table, nil
}

func (sqliteTarget) Describe(key string) string {
	return "SQLite table " + strings.TrimPrefix(key, "sqlite:")
}

// ApplySetupChange reconciles the table. CREATE and DROP use IF EXISTS
// forms so replaying a half-applied transition succeeds. A changed
// column layout rebuilds the table; the processor refills it because
// dropping state also purges the row ledger.
func (sqliteTarget) ApplySetupChange(ctx context.Context, key string, prev, cur *graph.TargetSetup) error {
	setup := cur
	if setup == nil {
		setup = prev
	}
	if setup == nil {
		return nil
	}
	var spec SQLiteTargetSpec
	if err := unmarshalSpecBody(setup.SpecJSON, &spec); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	db, err := openSQLite(spec.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	drop := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(spec.Table))
	if cur == nil {
		if _, err := db.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("sqlite: drop %s: %w", spec.Table, err)
		}
		return nil
	}
	if prev != nil && createTableSQL(spec.Table, prev) != createTableSQL(spec.Table, cur) {
		if _, err := db.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("sqlite: rebuild %s: %w", spec.Table, err)
		}
	}
	if _, err := db.ExecContext(ctx, createTableSQL(spec.Table, cur)); err != nil {
		return fmt.Errorf("sqlite: create %s: %w", spec.Table, err)
	}
	return nil
}

func (sqliteTarget) Prepare(spec graph.TargetSpec, setup *graph.TargetSetup) (graph.TargetWriter, error) {
	s := spec.(SQLiteTargetSpec)
	db, err := openSQLite(s.Database)
	if err != nil {
		return nil, err
	}
	return &sqliteWriter{
		db:      db,
		table:   s.Table,
		keyCols: fieldNames(setup.KeyFields),
		valCols: fieldNames(setup.ValueFields),
	}, nil
}

type sqliteWriter struct {
	db      *sql.DB
	table   string
	keyCols []string
	valCols []string
}

func (w *sqliteWriter) Close() error {
	return w.db.Close()
}

// Mutate applies the batch in one transaction. Upserts land on the
// primary key and deletes of absent keys affect zero rows, so a blind
// retry of the same batch converges.
func (w *sqliteWriter) Mutate(ctx context.Context, muts []graph.Mutation) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range muts {
		keyArgs, err := keyValues(m.Key, w.keyCols)
		if err != nil {
			return fmt.Errorf("sqlite: %s: %w", w.table, err)
		}
		if m.Value == nil {
			if _, err := tx.ExecContext(ctx, w.deleteSQL(), keyArgs...); err != nil {
				return fmt.Errorf("sqlite: delete from %s: %w", w.table, err)
			}
			continue
		}
		args := keyArgs
		for _, col := range w.valCols {
			v, _ := m.Value.Get(col)
			arg, err := sqlValue(v)
			if err != nil {
				return fmt.Errorf("sqlite: %s column %s: %w", w.table, col, err)
			}
			args = append(args, arg)
		}
		if _, err := tx.ExecContext(ctx, w.upsertSQL(), args...); err != nil {
			return fmt.Errorf("sqlite: upsert into %s: %w", w.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (w *sqliteWriter) deleteSQL() string {
	conds := make([]string, len(w.keyCols))
	for i, c := range w.keyCols {
		conds[i] = quoteIdent(c) + " = ?"
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(w.table), strings.Join(conds, " AND "))
}

func (w *sqliteWriter) upsertSQL() string {
	cols := make([]string, 0, len(w.keyCols)+len(w.valCols))
	for _, c := range append(append([]string{}, w.keyCols...), w.valCols...) {
		cols = append(cols, quoteIdent(c))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	keyList := make([]string, len(w.keyCols))
	for i, c := range w.keyCols {
		keyList[i] = quoteIdent(c)
	}
	conflict := "ON CONFLICT(" + strings.Join(keyList, ", ") + ") DO NOTHING"
	if len(w.valCols) > 0 {
		sets := make([]string, len(w.valCols))
		for i, c := range w.valCols {
			sets[i] = fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c))
		}
		conflict = fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s",
			strings.Join(keyList, ", "), strings.Join(sets, ", "))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		quoteIdent(w.table), strings.Join(cols, ", "), placeholders, conflict)
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: execute %q: %w", pragma, err)
		}
	}
	return db, nil
}

func createTableSQL(table string, setup *graph.TargetSetup) string {
	var cols []string
	for _, f := range setup.KeyFields {
		cols = append(cols, fmt.Sprintf("%s %s NOT NULL", quoteIdent(f.Name), columnType(f.Type)))
	}
	for _, f := range setup.ValueFields {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(f.Name), columnType(f.Type)))
	}
	keys := make([]string, len(setup.KeyFields))
	for i, f := range setup.KeyFields {
		keys[i] = quoteIdent(f.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(keys, ", "))
}

func columnType(t value.Type) string {
	switch t.Kind {
	case value.KindInt, value.KindBool:
		return "INTEGER"
	case value.KindFloat:
		return "REAL"
	case value.KindBytes:
		return "BLOB"
	default:
		// Strings, times (RFC 3339), and JSON-rendered composites.
		return "TEXT"
	}
}

// sqlValue converts a runtime value to a driver argument. Composites
// go through their JSON rendering.
func sqlValue(v value.Value) (any, error) {
	switch val := v.(type) {
	case nil, value.Null:
		return nil, nil
	case value.String:
		return string(val), nil
	case value.Int:
		return int64(val), nil
	case value.Float:
		return float64(val), nil
	case value.Bool:
		return bool(val), nil
	case value.Bytes:
		return []byte(val), nil
	case value.Time:
		return val.Std().UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), nil
	case value.Struct, value.Table:
		data, err := json.Marshal(value.ToJSON(val))
		if err != nil {
			return nil, fmt.Errorf("encode composite: %w", err)
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// keyValues flattens a mutation key into driver arguments aligned with
// the key columns: a bare value for a single-column key, a struct for
// a composite one.
func keyValues(key value.Value, keyCols []string) ([]any, error) {
	if len(keyCols) == 1 {
		if st, ok := key.(value.Struct); ok {
			if v, found := st.Get(keyCols[0]); found {
				key = v
			}
		}
		arg, err := sqlValue(key)
		if err != nil {
			return nil, err
		}
		return []any{arg}, nil
	}
	st, ok := key.(value.Struct)
	if !ok {
		return nil, fmt.Errorf("composite key must be a struct, got %T", key)
	}
	args := make([]any, 0, len(keyCols))
	for _, col := range keyCols {
		v, found := st.Get(col)
		if !found {
			return nil, fmt.Errorf("key struct missing field %q", col)
		}
		arg, err := sqlValue(v)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func fieldNames(fields []value.TypeField) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// unmarshalSpecBody extracts the typed spec from a serialized envelope.
func unmarshalSpecBody(data []byte, out any) error {
	var env struct {
		Spec json.RawMessage `json:"spec"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse spec envelope: %w", err)
	}
	if err := json.Unmarshal(env.Spec, out); err != nil {
		return fmt.Errorf("parse spec body: %w", err)
	}
	return nil
}
