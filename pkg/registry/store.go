package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/squidstore/chstore/pkg/db/clickhouse"
)

// Entry is one row of the valid_blocks table.
type Entry struct {
	Height    uint64
	Hash      string
	Timestamp time.Time
}

// Store is the backing persistence for the registry. Production code uses
// ClickHouseStore; tests use an in-memory fake so they never dial a real
// database, matching the teacher's fakeChainStore pattern.
type Store interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, processorID string, entries []Entry) error
	LoadAll(ctx context.Context, processorID string) ([]Entry, error)
	DeleteFromHeight(ctx context.Context, processorID string, fromHeight uint64) error
	DeleteBelowHeight(ctx context.Context, processorID string, belowHeight uint64) error
	Clear(ctx context.Context, processorID string) error
}

// TableName is the registry's physical table name, bit-exact per spec §6.
const TableName = "valid_blocks"

// ClickHouseStore implements Store against the valid_blocks table. Duplicate
// (processor_id, height) inserts are tolerated: ReplacingMergeTree keeps the
// row with the highest timestamp, and every read goes through FINAL so the
// in-memory cache never observes a stale duplicate (spec §4.1 storage
// requirement).
type ClickHouseStore struct {
	client *clickhouse.Client
}

// NewClickHouseStore wraps client for registry persistence.
func NewClickHouseStore(client *clickhouse.Client) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

// Init creates the valid_blocks table if it doesn't exist. Idempotent.
func (s *ClickHouseStore) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			processor_id String,
			height UInt64,
			hash String,
			timestamp DateTime64(3)
		) %s ENGINE = %s
		ORDER BY (processor_id, height)
	`, s.client.Database, TableName, s.client.OnCluster(), s.client.ReplicatedEngine(clickhouse.ReplacingMergeTree, "timestamp"))
	return s.client.Exec(ctx, query)
}

// Insert appends entries. Explicit deletes (DeleteFromHeight/DeleteBelowHeight)
// are the only way rows leave this table; this never deletes.
func (s *ClickHouseStore) Insert(ctx context.Context, processorID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (processor_id, height, hash, timestamp) VALUES`, s.client.Database, TableName)
	batch, err := s.client.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if err := batch.Append(processorID, e.Height, e.Hash, ts); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}

// LoadAll returns the latest row per height for processorID, honoring the
// "most recent by write timestamp" semantics spec §4.1 requires.
func (s *ClickHouseStore) LoadAll(ctx context.Context, processorID string) ([]Entry, error) {
	query := fmt.Sprintf(`
		SELECT height, hash, timestamp FROM "%s"."%s" FINAL
		WHERE processor_id = ?
		ORDER BY height
	`, s.client.Database, TableName)
	rows, err := s.client.Query(ctx, query, processorID)
	if err != nil {
		return nil, fmt.Errorf("load valid blocks: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Height, &e.Hash, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteFromHeight removes every entry with height >= fromHeight, used by
// reorg handling (spec §4.1 handleReorg).
func (s *ClickHouseStore) DeleteFromHeight(ctx context.Context, processorID string, fromHeight uint64) error {
	query := fmt.Sprintf(`DELETE FROM "%s"."%s" %s WHERE processor_id = ? AND height >= ?`,
		s.client.Database, TableName, s.client.OnCluster())
	return s.client.Exec(ctx, query, processorID, fromHeight)
}

// DeleteBelowHeight removes every entry with height < belowHeight, used by
// finality pruning (spec §4.1 addBlock/addBlocks).
func (s *ClickHouseStore) DeleteBelowHeight(ctx context.Context, processorID string, belowHeight uint64) error {
	query := fmt.Sprintf(`DELETE FROM "%s"."%s" %s WHERE processor_id = ? AND height < ?`,
		s.client.Database, TableName, s.client.OnCluster())
	return s.client.Exec(ctx, query, processorID, belowHeight)
}

// Clear removes every entry for processorID, used only by the stale-restart
// reconciler (spec §4.1 clear()).
func (s *ClickHouseStore) Clear(ctx context.Context, processorID string) error {
	query := fmt.Sprintf(`DELETE FROM "%s"."%s" %s WHERE processor_id = ?`,
		s.client.Database, TableName, s.client.OnCluster())
	return s.client.Exec(ctx, query, processorID)
}
