// Package checkpoint implements the checkpoint store (spec §4.2): the two
// durable, keyed singletons — live and cold — that let a processor resume
// after a crash or restart without replaying from genesis.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/db/clickhouse"
)

// FreshHeight and FreshHash are the sentinel values loadLive returns when no
// live checkpoint has ever been written for a processor (spec §4.2).
const FreshHeight int64 = -1

const FreshHash = ""

// LiveState is the live checkpoint row.
type LiveState struct {
	Height          int64
	Hash            string
	HotBlocks       []blockref.Ref
	FinalizedHeight int64
	Timestamp       time.Time
}

// Fresh returns the sentinel live state for a processor that has never
// checkpointed: {height: -1, hash: "", hotBlocks: [], finalizedHeight: -1}.
func Fresh() LiveState {
	return LiveState{Height: FreshHeight, Hash: FreshHash, HotBlocks: nil, FinalizedHeight: FreshHeight}
}

// IsFresh reports whether s is the sentinel fresh state.
func (s LiveState) IsFresh() bool {
	return s.Height == FreshHeight && s.Hash == FreshHash && len(s.HotBlocks) == 0
}

// ColdState is the cold checkpoint row: the safe resume point below which
// the cold tables are authoritative.
type ColdState struct {
	Height int64
	Hash   string
}

// Store is the backing persistence for both checkpoints.
type Store interface {
	Init(ctx context.Context) error
	LoadLive(ctx context.Context, processorID string) (LiveState, error)
	SaveLive(ctx context.Context, processorID string, state LiveState) error
	LoadCold(ctx context.Context, processorID string) (ColdState, bool, error)
	SaveCold(ctx context.Context, processorID string, height uint64, hash string) error
}

// hotBlockDTO is the on-wire shape for a hot-chain entry: height and hash
// only. Any producer-added fields (big integers, gas fields, etc.) never
// reach this struct, satisfying spec §4.2's stripping requirement.
type hotBlockDTO struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

func marshalHotBlocks(blocks []blockref.Ref) (string, error) {
	dtos := make([]hotBlockDTO, len(blocks))
	for i, b := range blocks {
		dtos[i] = hotBlockDTO{Height: b.Height, Hash: b.Hash}
	}
	buf, err := json.Marshal(dtos)
	if err != nil {
		return "", fmt.Errorf("marshal hot blocks: %w", err)
	}
	return string(buf), nil
}

func unmarshalHotBlocks(raw string) ([]blockref.Ref, error) {
	if raw == "" {
		return nil, nil
	}
	var dtos []hotBlockDTO
	if err := json.Unmarshal([]byte(raw), &dtos); err != nil {
		return nil, fmt.Errorf("unmarshal hot blocks: %w", err)
	}
	out := make([]blockref.Ref, len(dtos))
	for i, d := range dtos {
		out[i] = blockref.Ref{Height: d.Height, Hash: d.Hash}
	}
	return out, nil
}

// Metrics receives checkpoint-save telemetry. metrics.Collector satisfies
// this structurally.
type Metrics interface {
	CheckpointSaved(kind string)
}

type noopMetrics struct{}

func (noopMetrics) CheckpointSaved(kind string) {}

// ClickHouseStore persists both checkpoints as ReplacingMergeTree tables
// keyed by processor_id, so "latest revision wins" falls out of FINAL reads
// (spec §4.2: "latest revision wins semantics keyed by processorId").
type ClickHouseStore struct {
	client     *clickhouse.Client
	stateTable string // default "squid_processor_status"
	metrics    Metrics
}

// NewClickHouseStore wraps client. stateTable defaults to
// "squid_processor_status" per spec §6 if empty.
func NewClickHouseStore(client *clickhouse.Client, stateTable string) *ClickHouseStore {
	if stateTable == "" {
		stateTable = "squid_processor_status"
	}
	return &ClickHouseStore{client: client, stateTable: stateTable, metrics: noopMetrics{}}
}

// SetMetrics installs a Metrics sink. Pass nil to go back to a no-op.
func (s *ClickHouseStore) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

func (s *ClickHouseStore) coldTable() string {
	return s.stateTable + "_cold"
}

// Init creates both checkpoint tables if they don't exist.
func (s *ClickHouseStore) Init(ctx context.Context) error {
	liveQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			processor_id String,
			height Int64,
			hash String,
			hot_blocks String,
			finalized_height Int64,
			timestamp DateTime64(3)
		) %s ENGINE = %s
		ORDER BY processor_id
	`, s.client.Database, s.stateTable, s.client.OnCluster(), s.client.ReplicatedEngine(clickhouse.ReplacingMergeTree, "timestamp"))
	if err := s.client.Exec(ctx, liveQuery); err != nil {
		return fmt.Errorf("create %s: %w", s.stateTable, err)
	}

	coldQuery := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			processor_id String,
			height UInt64,
			hash String,
			timestamp DateTime64(3)
		) %s ENGINE = %s
		ORDER BY processor_id
	`, s.client.Database, s.coldTable(), s.client.OnCluster(), s.client.ReplicatedEngine(clickhouse.ReplacingMergeTree, "timestamp"))
	if err := s.client.Exec(ctx, coldQuery); err != nil {
		return fmt.Errorf("create %s: %w", s.coldTable(), err)
	}
	return nil
}

// LoadLive returns the resume state for processorID, or Fresh() if none exists.
func (s *ClickHouseStore) LoadLive(ctx context.Context, processorID string) (LiveState, error) {
	query := fmt.Sprintf(`
		SELECT height, hash, hot_blocks, finalized_height, timestamp
		FROM "%s"."%s" FINAL
		WHERE processor_id = ?
		LIMIT 1
	`, s.client.Database, s.stateTable)

	var (
		height, finalizedHeight int64
		hash, hotBlocksRaw      string
		ts                      time.Time
	)
	err := s.client.QueryRow(ctx, query, processorID).Scan(&height, &hash, &hotBlocksRaw, &finalizedHeight, &ts)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return Fresh(), nil
		}
		return LiveState{}, fmt.Errorf("load live checkpoint: %w", err)
	}

	hotBlocks, err := unmarshalHotBlocks(hotBlocksRaw)
	if err != nil {
		return LiveState{}, err
	}

	return LiveState{
		Height:          height,
		Hash:            hash,
		HotBlocks:       hotBlocks,
		FinalizedHeight: finalizedHeight,
		Timestamp:       ts,
	}, nil
}

// SaveLive writes a new revision. hotBlocks is re-marshaled through the
// height/hash-only DTO, so any producer-added fields the caller might still
// be carrying on its own Ref-like types never reach the wire (spec §4.2).
func (s *ClickHouseStore) SaveLive(ctx context.Context, processorID string, state LiveState) error {
	hotBlocksRaw, err := marshalHotBlocks(state.HotBlocks)
	if err != nil {
		return err
	}
	ts := state.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (processor_id, height, hash, hot_blocks, finalized_height, timestamp) VALUES`,
		s.client.Database, s.stateTable)
	batch, err := s.client.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare live checkpoint batch: %w", err)
	}
	if err := batch.Append(processorID, state.Height, state.Hash, hotBlocksRaw, state.FinalizedHeight, ts); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append live checkpoint: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("save live checkpoint: %w", err)
	}
	s.metrics.CheckpointSaved("live")
	return nil
}

// LoadCold returns the cold cursor, or (zero, false, nil) if absent. When the
// keyed FINAL lookup misses (no row has merged yet for this processor), it
// falls back to a plain max(height) aggregate scoped to the same processor,
// matching spec §4.8's "loadCold() (or fall back to max(cold_table.height))".
func (s *ClickHouseStore) LoadCold(ctx context.Context, processorID string) (ColdState, bool, error) {
	query := fmt.Sprintf(`
		SELECT height, hash FROM "%s"."%s" FINAL
		WHERE processor_id = ?
		LIMIT 1
	`, s.client.Database, s.coldTable())

	var cs ColdState
	err := s.client.QueryRow(ctx, query, processorID).Scan(&cs.Height, &cs.Hash)
	if err == nil {
		return cs, true, nil
	}
	if !clickhouse.IsNoRows(err) {
		return ColdState{}, false, fmt.Errorf("load cold checkpoint: %w", err)
	}

	fallbackQuery := fmt.Sprintf(`
		SELECT height, hash FROM "%s"."%s"
		WHERE processor_id = ?
		ORDER BY height DESC
		LIMIT 1
	`, s.client.Database, s.coldTable())
	err = s.client.QueryRow(ctx, fallbackQuery, processorID).Scan(&cs.Height, &cs.Hash)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return ColdState{}, false, nil
		}
		return ColdState{}, false, fmt.Errorf("load cold checkpoint (fallback): %w", err)
	}
	return cs, true, nil
}

// SaveCold writes the cold cursor. Callers must only call this after
// migration has successfully promoted every row with height <= height
// (spec §4.2, §4.6).
func (s *ClickHouseStore) SaveCold(ctx context.Context, processorID string, height uint64, hash string) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (processor_id, height, hash, timestamp) VALUES`, s.client.Database, s.coldTable())
	batch, err := s.client.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare cold checkpoint batch: %w", err)
	}
	if err := batch.Append(processorID, height, hash, time.Now().UTC()); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append cold checkpoint: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("save cold checkpoint: %w", err)
	}
	s.metrics.CheckpointSaved("cold")
	return nil
}
