package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/chstoreerr"
	"github.com/squidstore/chstore/pkg/retry"
	"github.com/squidstore/chstore/pkg/router"
	"github.com/squidstore/chstore/pkg/schema"
)

// BatchSize caps a single batch write; larger groups split into sequential
// chunks (spec §4.4).
const BatchSize = 200_000

// Entity is an application-supplied row. Its Kind maps deterministically to
// one managed table; its Fields are normalized per spec §4.4 before insert.
type Entity interface {
	Kind() schema.Kind
	Fields() map[string]Scalar
}

// Store is the minimal surface the buffer needs from a database client.
// pkg/db/clickhouse.Client satisfies this directly.
type Store interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// Metrics receives per-table flush telemetry. metrics.Collector satisfies
// this structurally.
type Metrics interface {
	FlushDuration(table string, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) FlushDuration(table string, duration time.Duration) {}

type tableBuffer struct {
	spec schema.TableSpec
	rows [][]any
}

// Buffer stages entities during a batch, groups by destination table, and
// flushes with per-table chunking, retry, and cross-table parallelism
// (spec §4.4, §5).
type Buffer struct {
	logger   *zap.Logger
	store    Store
	database string
	router   *router.Router
	tables   *schema.Registry
	pool     pond.Pool
	metrics  Metrics

	staged map[string]*tableBuffer
}

// SetMetrics installs a Metrics sink. Pass nil to go back to a no-op.
func (b *Buffer) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	b.metrics = m
}

// NewBuffer builds a Buffer. maxParallel bounds how many tables flush
// concurrently (spec §5: "table-level parallelism only; within a table,
// ordered").
func NewBuffer(logger *zap.Logger, store Store, database string, rt *router.Router, tables *schema.Registry, maxParallel int) *Buffer {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Buffer{
		logger:   logger,
		store:    store,
		database: database,
		router:   rt,
		tables:   tables,
		pool:     pond.NewPool(maxParallel),
		metrics:  noopMetrics{},
		staged:   make(map[string]*tableBuffer),
	}
}

// Stage normalizes e's fields and appends the resulting row to its
// destination table's pending buffer. Normalization happens immediately so
// a malformed entity fails fast, before any network round-trip.
func (b *Buffer) Stage(e Entity) error {
	spec, ok := b.tables.Lookup(e.Kind())
	if !ok {
		return fmt.Errorf("stage: %w", chstoreerr.UnknownTable(string(e.Kind())))
	}

	tableName, err := b.router.TableFor(e.Kind())
	if err != nil {
		return fmt.Errorf("stage: %w", err)
	}

	row, err := normalizeRow(spec, e.Fields())
	if err != nil {
		return fmt.Errorf("stage %s: %w", tableName, err)
	}

	tb, ok := b.staged[tableName]
	if !ok {
		tb = &tableBuffer{spec: spec}
		b.staged[tableName] = tb
	}
	tb.rows = append(tb.rows, row)
	return nil
}

// Pending reports the number of rows currently staged, across all tables.
func (b *Buffer) Pending() int {
	n := 0
	for _, tb := range b.staged {
		n += len(tb.rows)
	}
	return n
}

// Flush writes every staged table, in parallel across tables and in order
// within a table, then clears the buffer. Flush is only safe to call from
// the coordinator's serialized path (spec §5).
func (b *Buffer) Flush(ctx context.Context) error {
	if len(b.staged) == 0 {
		return nil
	}
	tables := b.staged
	b.staged = make(map[string]*tableBuffer)

	group := b.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	errs := make([]error, 0, len(tables))
	var mu sync.Mutex

	for name, tb := range tables {
		name, tb := name, tb
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			if err := b.flushTable(groupCtx, name, tb); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if len(errs) > 0 {
		return fmt.Errorf("flush: %d table(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (b *Buffer) flushTable(ctx context.Context, tableName string, tb *tableBuffer) error {
	begin := time.Now()
	defer func() { b.metrics.FlushDuration(tableName, time.Since(begin)) }()

	columns := make([]string, len(tb.spec.Columns))
	for i, c := range tb.spec.Columns {
		columns[i] = c.Name
	}

	for start := 0; start < len(tb.rows); start += BatchSize {
		end := start + BatchSize
		if end > len(tb.rows) {
			end = len(tb.rows)
		}
		chunk := tb.rows[start:end]
		if err := b.insertChunk(ctx, tableName, columns, chunk); err != nil {
			return fmt.Errorf("flush %s rows [%d:%d]: %w", tableName, start, end, err)
		}
	}
	return nil
}

// insertChunk writes one chunk with spec §4.4's retry policy: up to 3 total
// attempts, linear backoff 500ms then 1000ms, failing fast on non-transient
// errors.
func (b *Buffer) insertChunk(ctx context.Context, tableName string, columns []string, rows [][]any) error {
	cfg := retry.InsertRetryConfig()
	delays := []time.Duration{cfg.InitialDelay, cfg.MaxDelay}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = b.sendBatch(ctx, tableName, columns, rows)
		if lastErr == nil {
			return nil
		}
		if !retry.IsTransientInsertError(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		b.logger.Warn("transient insert failure, retrying",
			zap.String("table", tableName),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		delay := cfg.MaxDelay
		if attempt-1 < len(delays) {
			delay = delays[attempt-1]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return chstoreerr.TransientIO(fmt.Errorf("insert into %s exhausted %d attempts: %w", tableName, cfg.MaxRetries, lastErr))
}

func (b *Buffer) sendBatch(ctx context.Context, tableName string, columns []string, rows [][]any) error {
	query := fmt.Sprintf(`INSERT INTO "%s"."%s" (%s) VALUES`, b.database, tableName, joinColumns(columns))
	batch, err := b.store.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return err
		}
	}
	return batch.Send()
}

func joinColumns(columns []string) string {
	out := ""
	for i, c := range columns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// normalizeRow converts fields into a positional row matching spec's
// column order, applying each column's declared normalization rule.
func normalizeRow(spec schema.TableSpec, fields map[string]Scalar) ([]any, error) {
	row := make([]any, len(spec.Columns))
	for i, col := range spec.Columns {
		scalar, ok := fields[col.Name]
		if !ok {
			return nil, fmt.Errorf("missing field %q for table kind %q", col.Name, spec.Kind)
		}

		if isHexField(spec, col.Name) {
			raw, err := scalar.raw()
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", col.Name, err)
			}
			row[i] = NormalizeHex(raw)
			continue
		}

		v, err := scalar.Normalize()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

func isHexField(spec schema.TableSpec, name string) bool {
	for _, f := range spec.HexFields {
		if f == name {
			return true
		}
	}
	return false
}
