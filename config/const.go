package config

const (
	FlagConfigPath         = "config-path"
	FlagConfigType         = "config-type"
	FlagConfigAwsRegion    = "aws-region"
	FlagConfigAwsSecretKey = "aws-secret-key"
	FlagConfigDbPass       = "db-pass"

	DBDialectMysql   = "mysql"
	DBDialectSqlite3 = "sqlite3"

	AWSConfig   = "aws"
	LocalConfig = "local"

	EnvVarConfigType     = "CONFIG_TYPE"
	EnvVarConfigFilePath = "CONFIG_FILE_PATH"
	EnvVarDBUserPass     = "DB_PASSWORD"

	// DefaultConfirmationBlocks is how deep an L1 block must be before its
	// events and receipts are treated as final.
	DefaultConfirmationBlocks = uint64(6)

	DefaultMaxBlockSize             = 50
	DefaultSealIntervalSec          = int64(15)
	DefaultPipelinePollIntervalMSec = int64(300)

	DefaultProverLeaseTimeoutSec = int64(60)
	DefaultProverReapIntervalSec = int64(10)

	// DefaultExpectedWaitBlocks is the deadline window granted to a submitted
	// L1 transaction before it is considered stuck and resent with higher gas.
	DefaultExpectedWaitBlocks = uint64(30)
	// DefaultMaxResendAttempts bounds gas escalation; beyond it the operation
	// becomes a fatal alert requiring operator intervention.
	DefaultMaxResendAttempts        = 10
	DefaultCommitGasLimit           = uint64(500_000)
	DefaultGasLimitScaleFactor      = 1.5
	DefaultBridgeSendIntervalSec    = int64(3)
	DefaultBridgeConfirmIntervalSec = int64(5)

	DefaultWatcherPollIntervalSec = int64(10)
	DefaultMaxBlocksPerScan       = uint64(500)
	DefaultHeaderJournalDepth     = uint64(64)
)
