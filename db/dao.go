package db

import (
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/types"
)

type KeeperDao interface {
	AccountDB
	UpdateDB
	MempoolDB
	TxDB
	BlockDB
	PriorityOpDB
	ProverDB
	EthDB
	WatchDB
	TokenDB
	StoreSealedBlock(block *Block, txs []*ExecutedTransaction, priorityOpSerialIDs []uint64, updates []types.OrderedUpdate, mempoolTxHashes []string) error
}

type KeeperSvcDB struct {
	db *gorm.DB
}

func NewKeeperSvcDB(db *gorm.DB) KeeperDao {
	return &KeeperSvcDB{
		db,
	}
}

// StoreSealedBlock persists a sealed block as one atomic unit: the mutation
// log and projection, the block header, the executed transactions, the
// consumed priority op range, and the removal of the included mempool rows.
// A crash before commit leaves no trace of the block; the mempool still
// holds its transactions and the pipeline rebuilds it from scratch.
func (d *KeeperSvcDB) StoreSealedBlock(block *Block, txs []*ExecutedTransaction, priorityOpSerialIDs []uint64, updates []types.OrderedUpdate, mempoolTxHashes []string) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		if err := applyAccountUpdatesTx(dbTx, block.Number, updates); err != nil {
			return err
		}
		if err := dbTx.Create(block).Error; err != nil {
			return err
		}
		if len(txs) != 0 {
			if err := dbTx.Create(txs).Error; err != nil {
				return err
			}
		}
		if err := consumePriorityOpsTx(dbTx, block, priorityOpSerialIDs); err != nil {
			return err
		}
		if len(mempoolTxHashes) != 0 {
			if err := dbTx.Where("tx_hash in (?)", mempoolTxHashes).Delete(MempoolTx{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func AutoMigrateDB(db *gorm.DB) {
	var err error
	if err = db.AutoMigrate(&Account{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&Balance{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&AccountBalanceUpdate{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&AccountCreate{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&AccountPubkeyUpdate{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&MempoolTx{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&ExecutedTransaction{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&Block{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&ExecutedPriorityOperation{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&Proof{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&ProverRun{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&ActiveProver{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&Operation{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthOperation{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthTxHash{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthNonce{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthStats{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&LastWatchedEthBlock{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&WatchedBlockHeader{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&Token{}); err != nil {
		panic(err)
	}
	if err = db.AutoMigrate(&EthParameter{}); err != nil {
		panic(err)
	}
	if err = ensureDefaultRows(db); err != nil {
		panic(err)
	}
}

// ensureDefaultRows seeds the single-row tables and the native token. Safe
// to run on every start.
func ensureDefaultRows(db *gorm.DB) error {
	return db.Transaction(func(dbTx *gorm.DB) error {
		seeds := []struct {
			model interface{}
			row   interface{}
		}{
			{EthNonce{}, &EthNonce{Id: SingletonRowID, Nonce: 0}},
			{EthStats{}, &EthStats{Id: SingletonRowID}},
			{EthParameter{}, &EthParameter{Id: SingletonRowID, GasPriceLimit: DefaultGasPriceLimitWei}},
			{LastWatchedEthBlock{}, &LastWatchedEthBlock{Id: SingletonRowID, BlockNumber: 0, BlockHash: ""}},
		}
		for _, seed := range seeds {
			var count int64
			if err := dbTx.Model(seed.model).Where("id = ?", SingletonRowID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				if err := dbTx.Create(seed.row).Error; err != nil {
					return err
				}
			}
		}

		var tokenCount int64
		if err := dbTx.Model(Token{}).Where("id = ?", NativeTokenID).Count(&tokenCount).Error; err != nil {
			return err
		}
		if tokenCount == 0 {
			native := Token{Id: NativeTokenID, Address: common.Address{}.Hex(), Symbol: "ETH"}
			if err := dbTx.Create(&native).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
