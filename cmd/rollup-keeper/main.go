package main

import (
	"flag"
	"fmt"

	"github.com/keeper-labs/rollup-keeper/bridge"
	"github.com/keeper-labs/rollup-keeper/config"
	keeperdb "github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/external"
	"github.com/keeper-labs/rollup-keeper/ledger"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/mempool"
	"github.com/keeper-labs/rollup-keeper/metrics"
	"github.com/keeper-labs/rollup-keeper/pipeline"
	"github.com/keeper-labs/rollup-keeper/prover"
	"github.com/keeper-labs/rollup-keeper/watcher"
)

// Slim entrypoint for local runs: file config only, no AWS loading.
func main() {
	configPath := flag.String("config", "./config/config.json", "config file path")
	flag.Parse()

	cfg := config.ParseConfigFromFile(*configPath)
	cfg.Validate()
	logging.InitLogger(&cfg.LogConfig)

	db := config.InitDBWithConfig(&cfg.DBConfig, true)
	keeperDao := keeperdb.NewKeeperSvcDB(db)

	client := external.NewClient(&cfg.ChainConfig)
	stateLedger := ledger.NewLedger(keeperDao)
	pool := mempool.NewPool(keeperDao)

	blockPipeline := pipeline.NewPipeline(keeperDao, stateLedger, pool, &cfg.PipelineConfig)
	coordinator := prover.NewCoordinator(keeperDao, &cfg.ProverConfig)
	gasAdjuster, err := bridge.NewGasAdjuster(keeperDao, client, &cfg.BridgeConfig)
	if err != nil {
		panic(fmt.Sprintf("init gas adjuster error, err=%s", err.Error()))
	}
	l1Bridge, err := bridge.NewBridge(keeperDao, client, gasAdjuster, &cfg.BridgeConfig, &cfg.ChainConfig)
	if err != nil {
		panic(fmt.Sprintf("init bridge error, err=%s", err.Error()))
	}
	eventWatcher := watcher.NewWatcher(keeperDao, client, &cfg.ChainConfig, &cfg.WatcherConfig)

	blockPipeline.StartLoop()
	coordinator.StartLoop()
	l1Bridge.StartLoop()
	eventWatcher.StartLoop()

	if cfg.MetricsConfig.Enable {
		address := cfg.MetricsConfig.HttpAddress
		if address == "" {
			address = metrics.DefaultMetricsAddress
		}
		metricsService := metrics.NewMetrics(address)
		metricsService.Start()
	}

	logging.Logger.Infof("rollup keeper started, operator=%s", l1Bridge.OperatorAddress().Hex())
	select {}
}
