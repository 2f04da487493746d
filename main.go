package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keeper-labs/rollup-keeper/bridge"
	"github.com/keeper-labs/rollup-keeper/cache"
	"github.com/keeper-labs/rollup-keeper/config"
	keeperdb "github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/external"
	"github.com/keeper-labs/rollup-keeper/ledger"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/mempool"
	"github.com/keeper-labs/rollup-keeper/metrics"
	"github.com/keeper-labs/rollup-keeper/pipeline"
	"github.com/keeper-labs/rollup-keeper/prover"
	"github.com/keeper-labs/rollup-keeper/service"
	"github.com/keeper-labs/rollup-keeper/watcher"
)

func initFlags() {
	flag.String(config.FlagConfigPath, "", "config file path")
	flag.String(config.FlagConfigType, "", "config type, local or aws")
	flag.String(config.FlagConfigAwsRegion, "", "aws region")
	flag.String(config.FlagConfigAwsSecretKey, "", "aws secret key")
	flag.String(config.FlagConfigDbPass, "", "rollup-keeper db password")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		panic(err)
	}
}

func printUsage() {
	fmt.Print("usage: ./rollup-keeper --config-type local --config-path configFile\n")
	fmt.Print("usage: ./rollup-keeper --config-type aws --aws-region awsRegion --aws-secret-key awsSecretKey\n")
}

func main() {
	var (
		cfg                        *config.Config
		configType, configFilePath string
	)
	initFlags()
	configType = viper.GetString(config.FlagConfigType)
	if configType == "" {
		configType = os.Getenv(config.EnvVarConfigType)
	}
	if configType != config.AWSConfig && configType != config.LocalConfig {
		printUsage()
		return
	}
	if configType == config.AWSConfig {
		awsSecretKey := viper.GetString(config.FlagConfigAwsSecretKey)
		if awsSecretKey == "" {
			printUsage()
			return
		}
		awsRegion := viper.GetString(config.FlagConfigAwsRegion)
		if awsRegion == "" {
			printUsage()
			return
		}
		configContent, err := config.GetSecret(awsSecretKey, awsRegion)
		if err != nil {
			fmt.Printf("get aws config error, err=%s", err.Error())
			return
		}
		cfg = config.ParseConfigFromJson(configContent)
	} else {
		configFilePath = viper.GetString(config.FlagConfigPath)
		if configFilePath == "" {
			configFilePath = os.Getenv(config.EnvVarConfigFilePath)
			if configFilePath == "" {
				printUsage()
				return
			}
		}
		cfg = config.ParseConfigFromFile(configFilePath)
	}
	if cfg == nil {
		panic("failed to get configuration")
	}
	cfg.Validate()
	logging.InitLogger(&cfg.LogConfig)

	password := viper.GetString(config.FlagConfigDbPass)
	if password == "" {
		password = os.Getenv(config.EnvVarDBUserPass)
	}
	if password != "" {
		cfg.DBConfig.Password = password
	}
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

	localCache, err := cache.NewLocalCache(cfg.CacheConfig.GetCacheSize())
	if err != nil {
		panic(fmt.Sprintf("init cache error, err=%s", err.Error()))
	}
	keeperService := service.NewKeeperService(keeperDao, stateLedger, localCache)
	go logStatus(keeperService)

	logging.Logger.Infof("rollup keeper started, operator=%s", l1Bridge.OperatorAddress().Hex())
	select {}
}

// logStatus prints a progress summary once a minute so an operator can see
// at a glance how far each loop has advanced.
func logStatus(keeperService service.Keeper) {
	statusTicker := time.NewTicker(time.Minute)
	for range statusTicker.C {
		status, err := keeperService.GetChainStatus()
		if err != nil {
			logging.Logger.Errorf("failed to fetch chain status, err=%s", err.Error())
			continue
		}
		logging.Logger.Infof("block %d (%s), accounts %d, executed txs %d, mempool %d, priority ops %d, watched L1 block %d, confirmed commits %d verifies %d withdrawals %d",
			status.LatestBlock, status.LatestBlockStatus, status.AccountCount, status.ExecutedTxCount,
			status.MempoolSize, status.PriorityOpCount, status.LastWatchedEthBlock,
			status.CommittedOperations, status.VerifiedOperations, status.WithdrawalsOperations)
	}
}
