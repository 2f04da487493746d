package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/keeper-labs/rollup-keeper/cache"
)

type Config struct {
	LogConfig      LogConfig      `json:"log_config"`
	DBConfig       DBConfig       `json:"db_config"`
	ChainConfig    ChainConfig    `json:"chain_config"`
	PipelineConfig PipelineConfig `json:"pipeline_config"`
	ProverConfig   ProverConfig   `json:"prover_config"`
	BridgeConfig   BridgeConfig   `json:"bridge_config"`
	WatcherConfig  WatcherConfig  `json:"watcher_config"`
	CacheConfig    CacheConfig    `json:"cache_config"`
	MetricsConfig  MetricsConfig  `json:"metrics_config"`
}

// ChainConfig describes the L1 endpoint and the rollup contract deployed there.
type ChainConfig struct {
	RPCAddrs           []string `json:"rpc_addrs"`
	ChainID            int64    `json:"chain_id"`
	ContractAddress    string   `json:"contract_address"`     // rollup contract the node commits to
	OperatorPrivateKey string   `json:"operator_private_key"` // hex encoded secp256k1 key of the operator account
	ConfirmationBlocks uint64   `json:"confirmation_blocks"`  // L1 depth before an event or receipt is trusted
	StartBlock         uint64   `json:"start_block"`          // L1 block the rollup contract was deployed at
}

func (cfg *ChainConfig) Validate() {
	if len(cfg.RPCAddrs) == 0 {
		panic("at least one L1 rpc address must be configured")
	}
	if cfg.ChainID == 0 {
		panic("chain id is not correct")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		panic(fmt.Sprintf("invalid rollup contract address %s", cfg.ContractAddress))
	}
}

func (cfg *ChainConfig) GetConfirmationBlocks() uint64 {
	if cfg.ConfirmationBlocks != 0 {
		return cfg.ConfirmationBlocks
	}
	return DefaultConfirmationBlocks
}

// PipelineConfig bounds block production.
type PipelineConfig struct {
	MaxBlockSize     int    `json:"max_block_size"`     // max executed transactions per block
	SealIntervalSec  int64  `json:"seal_interval_sec"`  // a non-empty block is sealed at least this often
	FeeAccountID     uint32 `json:"fee_account_id"`     // account credited with block fees
	PollIntervalMSec int64  `json:"poll_interval_msec"` // mempool poll cadence
}

func (cfg *PipelineConfig) GetMaxBlockSize() int {
	if cfg.MaxBlockSize != 0 {
		return cfg.MaxBlockSize
	}
	return DefaultMaxBlockSize
}

func (cfg *PipelineConfig) GetSealIntervalSec() int64 {
	if cfg.SealIntervalSec != 0 {
		return cfg.SealIntervalSec
	}
	return DefaultSealIntervalSec
}

func (cfg *PipelineConfig) GetPollIntervalMSec() int64 {
	if cfg.PollIntervalMSec != 0 {
		return cfg.PollIntervalMSec
	}
	return DefaultPipelinePollIntervalMSec
}

type ProverConfig struct {
	LeaseTimeoutSec int64 `json:"lease_timeout_sec"` // heartbeat silence after which a lease is abandoned
	ReapIntervalSec int64 `json:"reap_interval_sec"` // cadence of the expired lease reaper
}

func (cfg *ProverConfig) GetLeaseTimeoutSec() int64 {
	if cfg.LeaseTimeoutSec != 0 {
		return cfg.LeaseTimeoutSec
	}
	return DefaultProverLeaseTimeoutSec
}

func (cfg *ProverConfig) GetReapIntervalSec() int64 {
	if cfg.ReapIntervalSec != 0 {
		return cfg.ReapIntervalSec
	}
	return DefaultProverReapIntervalSec
}

// BridgeConfig tunes the L1 submission state machine. The escalation step is
// fixed at +15% per resend; these knobs bound how long a transaction may wait
// and how many escalations are attempted before operator intervention.
type BridgeConfig struct {
	ExpectedWaitBlocks   uint64  `json:"expected_wait_blocks"`    // L1 blocks granted before a tx counts as stuck
	MaxResendAttempts    int     `json:"max_resend_attempts"`     // escalations before the op becomes a fatal alert
	GasLimit             uint64  `json:"gas_limit"`               // gas limit for rollup contract calls
	InitialGasPriceLimit string  `json:"initial_gas_price_limit"` // wei, seeds eth_parameters on first boot
	LimitScaleFactor     float64 `json:"limit_scale_factor"`      // gas price limit growth per update round
	SendIntervalSec      int64   `json:"send_interval_sec"`
	ConfirmIntervalSec   int64   `json:"confirm_interval_sec"`
}

func (cfg *BridgeConfig) GetExpectedWaitBlocks() uint64 {
	if cfg.ExpectedWaitBlocks != 0 {
		return cfg.ExpectedWaitBlocks
	}
	return DefaultExpectedWaitBlocks
}

func (cfg *BridgeConfig) GetMaxResendAttempts() int {
	if cfg.MaxResendAttempts != 0 {
		return cfg.MaxResendAttempts
	}
	return DefaultMaxResendAttempts
}

func (cfg *BridgeConfig) GetGasLimit() uint64 {
	if cfg.GasLimit != 0 {
		return cfg.GasLimit
	}
	return DefaultCommitGasLimit
}

func (cfg *BridgeConfig) GetLimitScaleFactor() float64 {
	if cfg.LimitScaleFactor != 0 {
		return cfg.LimitScaleFactor
	}
	return DefaultGasLimitScaleFactor
}

func (cfg *BridgeConfig) GetSendIntervalSec() int64 {
	if cfg.SendIntervalSec != 0 {
		return cfg.SendIntervalSec
	}
	return DefaultBridgeSendIntervalSec
}

func (cfg *BridgeConfig) GetConfirmIntervalSec() int64 {
	if cfg.ConfirmIntervalSec != 0 {
		return cfg.ConfirmIntervalSec
	}
	return DefaultBridgeConfirmIntervalSec
}

type WatcherConfig struct {
	PollIntervalSec    int64  `json:"poll_interval_sec"`
	MaxBlocksPerScan   uint64 `json:"max_blocks_per_scan"`  // upper bound of one getLogs window
	HeaderJournalDepth uint64 `json:"header_journal_depth"` // recent L1 headers kept for reorg ancestor search
}

func (cfg *WatcherConfig) GetPollIntervalSec() int64 {
	if cfg.PollIntervalSec != 0 {
		return cfg.PollIntervalSec
	}
	return DefaultWatcherPollIntervalSec
}

func (cfg *WatcherConfig) GetMaxBlocksPerScan() uint64 {
	if cfg.MaxBlocksPerScan != 0 {
		return cfg.MaxBlocksPerScan
	}
	return DefaultMaxBlocksPerScan
}

func (cfg *WatcherConfig) GetHeaderJournalDepth() uint64 {
	if cfg.HeaderJournalDepth != 0 {
		return cfg.HeaderJournalDepth
	}
	return DefaultHeaderJournalDepth
}

type CacheConfig struct {
	CacheSize uint64 `json:"cache_size"`
}

func (c *CacheConfig) GetCacheSize() uint64 {
	if c.CacheSize != 0 {
		return c.CacheSize
	}
	return cache.DefaultCacheSize
}

type MetricsConfig struct {
	Enable      bool   `json:"enable"`
	HttpAddress string `json:"http_address"`
}

type DBConfig struct {
	Dialect      string `json:"dialect"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	Url          string `json:"url"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxOpenConns int    `json:"max_open_conns"`
}

func (cfg *DBConfig) Validate() {
	if cfg.Dialect != DBDialectMysql && cfg.Dialect != DBDialectSqlite3 {
		panic(fmt.Sprintf("only %s and %s supported", DBDialectMysql, DBDialectSqlite3))
	}
	if cfg.Dialect == DBDialectMysql && (cfg.Username == "" || cfg.Url == "") {
		panic("db config is not correct, missing username and/or url")
	}
	if cfg.MaxIdleConns == 0 || cfg.MaxOpenConns == 0 {
		panic("db connections is not correct")
	}
}

type LogConfig struct {
	Level                        string `json:"level"`
	Filename                     string `json:"filename"`
	MaxFileSizeInMB              int    `json:"max_file_size_in_mb"`
	MaxBackupsOfLogFiles         int    `json:"max_backups_of_log_files"`
	MaxAgeToRetainLogFilesInDays int    `json:"max_age_to_retain_log_files_in_days"`
	UseConsoleLogger             bool   `json:"use_console_logger"`
	UseFileLogger                bool   `json:"use_file_logger"`
	Compress                     bool   `json:"compress"`
}

func (cfg *LogConfig) Validate() {
	if cfg.UseFileLogger {
		if cfg.Filename == "" {
			panic("filename should not be empty if use file logger")
		}
		if cfg.MaxFileSizeInMB <= 0 {
			panic("max_file_size_in_mb should be larger than 0 if use file logger")
		}
		if cfg.MaxBackupsOfLogFiles <= 0 {
			panic("max_backups_of_log_files should be larger than 0 if use file logger")
		}
	}
}

func (cfg *Config) Validate() {
	cfg.LogConfig.Validate()
	cfg.DBConfig.Validate()
	cfg.ChainConfig.Validate()
}

func ParseConfigFromJson(content string) *Config {
	var config Config
	if err := json.Unmarshal([]byte(content), &config); err != nil {
		panic(err)
	}
	return &config
}

func ParseConfigFromFile(filePath string) *Config {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		panic(err)
	}

	var config Config
	if err := json.Unmarshal(bz, &config); err != nil {
		panic(err)
	}
	return &config
}
