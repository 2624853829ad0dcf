package migration

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/squidstore/chstore/pkg/db/clickhouse"
)

// Store is the database surface the migration engine needs: existence
// checks, height reads, server-side copy, row streaming for the
// client-round-trip path, and delete-by-cutoff. Production code uses
// ClickHouseStore; tests use an in-memory fake.
type Store interface {
	TableExists(ctx context.Context, table string) (bool, error)
	MaxHeight(ctx context.Context, table, heightColumn string) (int64, bool, error)
	CountBelowOrEqual(ctx context.Context, table, heightColumn string, cutoff int64) (uint64, error)
	CopyRows(ctx context.Context, srcTable, dstTable, heightColumn string, cutoff int64) error
	// SelectRowsBelowOrEqual reads every row with heightColumn <= cutoff as
	// generic column-named records, feeding the TransformRows hook (spec
	// §4.6's client-round-trip alternative to the server-side CopyRows path).
	SelectRowsBelowOrEqual(ctx context.Context, table, heightColumn string, cutoff int64) ([]Row, error)
	// InsertRows writes rows (as returned or produced by TransformRows) into
	// table, keyed by each Row's own declared Columns.
	InsertRows(ctx context.Context, table string, rows []Row) error
	DeleteRows(ctx context.Context, table, heightColumn string, cutoff int64) error
	LookupHash(ctx context.Context, table, heightColumn, hashColumn string, height int64) (string, bool, error)
}

// ClickHouseStore implements Store against a clickhouse.Client. Grounded on
// the teacher's PromoteEntity/CleanEntityStaging pair: server-side
// INSERT ... SELECT for the copy, a lightweight DELETE for the cutover.
type ClickHouseStore struct {
	client *clickhouse.Client
}

// NewClickHouseStore wraps client.
func NewClickHouseStore(client *clickhouse.Client) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

func (s *ClickHouseStore) TableExists(ctx context.Context, table string) (bool, error) {
	return s.client.TableExists(ctx, s.client.Database, table)
}

func (s *ClickHouseStore) MaxHeight(ctx context.Context, table, heightColumn string) (int64, bool, error) {
	query := fmt.Sprintf(`SELECT max(%s) FROM "%s"."%s"`, heightColumn, s.client.Database, table)
	var max *int64
	if err := s.client.QueryRow(ctx, query).Scan(&max); err != nil {
		if clickhouse.IsNoRows(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("max height on %s: %w", table, err)
	}
	if max == nil {
		return 0, false, nil // table is empty
	}
	return *max, true, nil
}

func (s *ClickHouseStore) CountBelowOrEqual(ctx context.Context, table, heightColumn string, cutoff int64) (uint64, error) {
	query := fmt.Sprintf(`SELECT count() FROM "%s"."%s" WHERE %s <= ?`, s.client.Database, table, heightColumn)
	var count uint64
	if err := s.client.QueryRow(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s <= %d in %s: %w", heightColumn, cutoff, table, err)
	}
	return count, nil
}

// CopyRows performs the server-side promotion: INSERT INTO dst SELECT * FROM
// src WHERE height <= cutoff. The cold table's merge engine must tolerate
// duplicates, since this is replay-safe by design (spec §4.6).
func (s *ClickHouseStore) CopyRows(ctx context.Context, srcTable, dstTable, heightColumn string, cutoff int64) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" SELECT * FROM "%s"."%s" WHERE %s <= ?`,
		s.client.Database, dstTable, s.client.Database, srcTable, heightColumn)
	return s.client.Exec(ctx, query, cutoff)
}

// SelectRowsBelowOrEqual reads every row in table with heightColumn <= cutoff
// into generic, column-named records. Destination types follow the driver's
// own ColumnType.ScanType() for each column, so no caller-supplied schema is
// needed to scan an arbitrary hot table.
func (s *ClickHouseStore) SelectRowsBelowOrEqual(ctx context.Context, table, heightColumn string, cutoff int64) ([]Row, error) {
	query := fmt.Sprintf(`SELECT * FROM "%s"."%s" WHERE %s <= ?`, s.client.Database, table, heightColumn)
	rows, err := s.client.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select rows from %s: %w", table, err)
	}
	defer rows.Close()

	colTypes := rows.ColumnTypes()
	names := make([]string, len(colTypes))
	for i, ct := range colTypes {
		names[i] = ct.Name()
	}

	var out []Row
	for rows.Next() {
		ptrs := make([]any, len(colTypes))
		for i, ct := range colTypes {
			ptrs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row from %s: %w", table, err)
		}
		values := make([]any, len(ptrs))
		for i, p := range ptrs {
			values[i] = reflect.ValueOf(p).Elem().Interface()
		}
		out = append(out, Row{Columns: names, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows from %s: %w", table, err)
	}
	return out, nil
}

// InsertRows batches rows into table, using the first row's Columns as the
// insert column list; every row is assumed to share the same shape, which
// holds for anything originating from SelectRowsBelowOrEqual or a
// TransformRows hook that preserves column identity.
func (s *ClickHouseStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, s.client.Database, table, strings.Join(rows[0].Columns, ", "))
	batch, err := s.client.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert batch for %s: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r.Values...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row to %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert rows into %s: %w", table, err)
	}
	return nil
}

// DeleteRows removes the just-migrated rows from table via a lightweight
// DELETE, replicated with ON CLUSTER when clustered.
func (s *ClickHouseStore) DeleteRows(ctx context.Context, table, heightColumn string, cutoff int64) error {
	query := fmt.Sprintf(`DELETE FROM "%s"."%s" %s WHERE %s <= ?`,
		s.client.Database, table, s.client.OnCluster(), heightColumn)
	return s.client.Exec(ctx, query, cutoff)
}

func (s *ClickHouseStore) LookupHash(ctx context.Context, table, heightColumn, hashColumn string, height int64) (string, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM "%s"."%s" WHERE %s = ? LIMIT 1`, hashColumn, s.client.Database, table, heightColumn)
	var hash string
	if err := s.client.QueryRow(ctx, query, height).Scan(&hash); err != nil {
		if clickhouse.IsNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup hash at height %d in %s: %w", height, table, err)
	}
	return hash, true, nil
}
