// Command example wires every chstore component together against a single
// ClickHouse database and runs one hot ingest cycle over two blocks, mirroring
// the teacher's cmd/indexer entrypoint shape: build dependencies, run,
// shut down on signal.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/squidstore/chstore/pkg/blockref"
	"github.com/squidstore/chstore/pkg/checkpoint"
	"github.com/squidstore/chstore/pkg/coordinator"
	"github.com/squidstore/chstore/pkg/db/clickhouse"
	"github.com/squidstore/chstore/pkg/ingest"
	"github.com/squidstore/chstore/pkg/lock"
	"github.com/squidstore/chstore/pkg/logging"
	"github.com/squidstore/chstore/pkg/metrics"
	"github.com/squidstore/chstore/pkg/migration"
	"github.com/squidstore/chstore/pkg/reconcile"
	"github.com/squidstore/chstore/pkg/registry"
	"github.com/squidstore/chstore/pkg/reorg"
	"github.com/squidstore/chstore/pkg/router"
	"github.com/squidstore/chstore/pkg/schema"
	"github.com/squidstore/chstore/pkg/utils"

	goredis "github.com/redis/go-redis/v9"
)

const (
	network          = "ethereum"
	processorID      = "example-processor"
	heightColumnName = "height"
	hotBlocksDepth   = 50
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("example run failed", zap.Error(err))
	}
}

func blockEntity(height uint64, hash string) ingest.Entity {
	return blockRow{height: height, hash: hash}
}

type blockRow struct {
	height uint64
	hash   string
}

func (b blockRow) Kind() schema.Kind { return "blocks" }
func (b blockRow) Fields() map[string]ingest.Scalar {
	return map[string]ingest.Scalar{
		"height":    ingest.Int64(int64(b.height)),
		"hash":      ingest.Text(b.hash),
		"timestamp": ingest.Timestamp(time.Now().UTC()),
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	tables := schema.NewRegistry([]schema.TableSpec{
		{
			Kind:       "blocks",
			HotSupport: true,
			Columns: []schema.ColumnDef{
				{Name: "height", Type: "UInt64"},
				{Name: "hash", Type: "String"},
				{Name: "timestamp", Type: "DateTime64(3)"},
			},
			HexFields: []string{"hash"},
		},
	})

	chOpts := clickhouse.DefaultOptions(utils.Env("CHSTORE_DATABASE", "chstore_example"))
	chOpts.Addr = []string{utils.Env("CHSTORE_ADDR", "localhost:9000")}
	chOpts.Username = utils.Env("CHSTORE_USER", "default")
	chOpts.Password = utils.Env("CHSTORE_PASSWORD", "")

	client, err := clickhouse.New(ctx, logger, chOpts)
	if err != nil {
		return err
	}
	defer client.Close()

	promReg := promclient.NewRegistry()
	collector := metrics.NewPrometheusCollector(promReg)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: utils.Env("CHSTORE_REDIS_ADDR", "localhost:6379"),
	})
	defer redisClient.Close()

	coordinatorLock, held, err := lock.Acquire(ctx, redisClient, logger, processorID, lock.DefaultOptions())
	if err != nil {
		return err
	}
	if !held {
		logger.Warn("another instance already holds the coordinator lock for this processor", zap.String("processor_id", processorID))
		return nil
	}
	defer coordinatorLock.Release(context.Background())

	regStore := registry.NewClickHouseStore(client)
	reg := registry.New(logger, regStore, processorID, hotBlocksDepth)

	cpStore := checkpoint.NewClickHouseStore(client, "")
	cpStore.SetMetrics(collector)

	rt := router.New(logger, network, tables)
	rt.SetIsAtChainTip(true)

	reconcileStore := reconcile.NewClickHouseStore(client)
	reconciler := reconcile.New(logger, reconcileStore, reg, cpStore, tables, network, processorID, reconcile.DefaultOptions())

	reorgEngine := reorg.New(logger, reg, collector)

	migrationEngine := migration.New(logger, migration.NewClickHouseStore(client), tables, cpStore, network, processorID, heightColumnName, hotBlocksDepth)
	migrationEngine.SetMetrics(collector)

	newBuffer := func() *ingest.Buffer {
		buf := ingest.NewBuffer(logger, client, client.Database, rt, tables, 4)
		buf.SetMetrics(collector)
		return buf
	}

	coord := coordinator.New(logger, coordinator.Deps{
		CheckpointStore: cpStore,
		Registry:        reg,
		Reconciler:      reconciler,
		Router:          rt,
		Tables:          tables,
		ReorgEngine:     reorgEngine,
		MigrationEngine: migrationEngine,
		NewBuffer:       newBuffer,
		Pinger:          client,
		Locker:          coordinatorLock,
	}, coordinator.Config{
		ProcessorID:       processorID,
		Network:           network,
		HeightColumnName:  heightColumnName,
		HotBlocksDepth:    hotBlocksDepth,
		SupportHotBlocks:  true,
		AutoMigrate:       true,
		MigrationPolicy:   migration.TriggerEveryNBlocks,
		MigrationInterval: 100,
	})
	coord.SetMetrics(collector)

	if _, err := coord.Connect(ctx); err != nil {
		return err
	}
	coord.SetIsAtChainTip(true)

	if err := coord.Health(ctx); err != nil {
		logger.Warn("health check failed right after connect", zap.Error(err))
	}

	hotBatch := coordinator.HotInfo{
		FinalizedHead: blockref.Ref{Height: 0},
		NewBlocks: []blockref.Ref{
			{Height: 1, Hash: "0x1"},
			{Height: 2, Hash: "0x2"},
		},
	}
	err = coord.TransactHot(ctx, hotBatch, func(store *ingest.Buffer, b blockref.Ref) error {
		return store.Stage(blockEntity(b.Height, b.Hash))
	})
	if err != nil {
		return err
	}

	logger.Info("example ingest cycle complete", zap.String("processor_id", processorID))
	return nil
}
