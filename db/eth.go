package db

import (
	"fmt"
	"math/big"

	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/util"
)

// SingletonRowID is the constant primary key of the single-row tables.
const SingletonRowID = int64(1)

// DefaultGasPriceLimitWei seeds eth_parameters on first migration, 400 gwei.
const DefaultGasPriceLimitWei = "400000000000"

// Operation is the logical L1 obligation of a block: one row per
// (block, action). It is bound to the eth_operations row that carries it.
type Operation struct {
	Id          int64
	BlockNumber uint64 `gorm:"NOT NULL;uniqueIndex:idx_operation_block_action"`
	Action      string `gorm:"NOT NULL;uniqueIndex:idx_operation_block_action;size:16"`
	EthOpID     int64  `gorm:"NOT NULL;index:idx_operation_eth_op"`
	Confirmed   bool   `gorm:"NOT NULL"`
	CreatedTime int64  `gorm:"NOT NULL"`
}

func (*Operation) TableName() string {
	return "operations"
}

// EthOperation is one L1 transaction intent. The nonce is allocated once and
// kept across resends; every broadcast hash is recorded in eth_tx_hashes and
// exactly one of them may ever confirm.
type EthOperation struct {
	Id                int64
	OpType            string `gorm:"NOT NULL;size:16"`
	BlockNumber       uint64 `gorm:"NOT NULL;index:idx_eth_operation_block"`
	Nonce             uint64 `gorm:"NOT NULL;uniqueIndex:idx_eth_operation_nonce"`
	LastDeadlineBlock uint64 `gorm:"NOT NULL"`
	LastUsedGasPrice  string `gorm:"NOT NULL;type:decimal(65,0)"`
	RawTx             string `gorm:"NOT NULL;type:mediumtext"`
	ResendCount       int    `gorm:"NOT NULL"`
	FinalHash         string `gorm:"size:66"`
	Confirmed         bool   `gorm:"NOT NULL;index:idx_eth_operation_confirmed"`
	CreatedTime       int64  `gorm:"NOT NULL"`
}

func (*EthOperation) TableName() string {
	return "eth_operations"
}

// EthTxHash records one broadcast attempt of an eth operation.
type EthTxHash struct {
	Id          int64
	EthOpID     int64  `gorm:"NOT NULL;index:idx_eth_tx_hash_op"`
	TxHash      string `gorm:"NOT NULL;uniqueIndex:idx_eth_tx_hash;size:66"`
	CreatedTime int64  `gorm:"NOT NULL"`
}

func (*EthTxHash) TableName() string {
	return "eth_tx_hashes"
}

// EthNonce is the single-row L1 nonce counter. Nonce is the next value to
// allocate.
type EthNonce struct {
	Id    int64  `gorm:"primaryKey;autoIncrement:false"`
	Nonce uint64 `gorm:"NOT NULL"`
}

func (*EthNonce) TableName() string {
	return "eth_nonce"
}

// EthStats is the single-row counter table of confirmed L1 operations.
type EthStats struct {
	Id          int64  `gorm:"primaryKey;autoIncrement:false"`
	CommitOps   uint64 `gorm:"NOT NULL"`
	VerifyOps   uint64 `gorm:"NOT NULL"`
	WithdrawOps uint64 `gorm:"NOT NULL"`
}

func (*EthStats) TableName() string {
	return "eth_stats"
}

// EthParameter is the single-row persisted state of the gas adjuster.
type EthParameter struct {
	Id            int64  `gorm:"primaryKey;autoIncrement:false"`
	GasPriceLimit string `gorm:"NOT NULL;type:decimal(65,0)"`
}

func (*EthParameter) TableName() string {
	return "eth_parameters"
}

type EthDB interface {
	AllocateEthOperation(build func(nonce uint64) (*EthOperation, string, error)) (*EthOperation, error)
	RecordEthTxResent(ethOpID int64, rawTx string, txHash string, gasPrice string, deadlineBlock uint64, now int64) error
	ConfirmEthOperation(txHash string, now int64) (*EthOperation, error)
	GetEthOperation(id int64) (*EthOperation, error)
	GetEthOperationByTxHash(txHash string) (*EthOperation, error)
	GetUnconfirmedEthOperations(limit int) ([]*EthOperation, error)
	GetDueEthOperations(currentEthBlock uint64, limit int) ([]*EthOperation, error)
	GetEthTxHashes(ethOpID int64) ([]*EthTxHash, error)
	GetEthNonce() (uint64, error)
	InitEthNonce(nonce uint64) error
	GetEthStats() (*EthStats, error)
	GetOperation(blockNumber uint64, action string) (*Operation, error)
	GetBlockOperations(blockNumber uint64) ([]*Operation, error)
	GetGasPriceLimit() (*big.Int, error)
	UpdateGasPriceLimit(limit *big.Int) error
}

// AllocateEthOperation reserves the next L1 nonce and persists the operation
// built for it, in one transaction. The builder receives the reserved nonce,
// signs the raw transaction with it, and returns the operation together with
// the hash of the first broadcast attempt. The nonce counter advance is a
// compare-and-set: losing it means another sender shares this database,
// which is fatal.
func (d *KeeperSvcDB) AllocateEthOperation(build func(nonce uint64) (*EthOperation, string, error)) (*EthOperation, error) {
	var out *EthOperation
	err := d.db.Transaction(func(dbTx *gorm.DB) error {
		nonceRow := EthNonce{}
		if err := dbTx.Model(EthNonce{}).Where("id = ?", SingletonRowID).Take(&nonceRow).Error; err != nil {
			return err
		}
		res := dbTx.Model(EthNonce{}).Where("id = ? and nonce = ?", SingletonRowID, nonceRow.Nonce).
			Update("nonce", nonceRow.Nonce+1)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: nonce %d was taken concurrently", ErrNonceConflict, nonceRow.Nonce)
		}

		op, firstTxHash, err := build(nonceRow.Nonce)
		if err != nil {
			return err
		}
		op.Nonce = nonceRow.Nonce
		if err = dbTx.Create(op).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return fmt.Errorf("%w: nonce %d already recorded", ErrNonceConflict, nonceRow.Nonce)
			}
			return err
		}
		if err = dbTx.Create(&EthTxHash{EthOpID: op.Id, TxHash: firstTxHash, CreatedTime: op.CreatedTime}).Error; err != nil {
			return err
		}
		operation := Operation{
			BlockNumber: op.BlockNumber,
			Action:      op.OpType,
			EthOpID:     op.Id,
			Confirmed:   false,
			CreatedTime: op.CreatedTime,
		}
		if err = dbTx.Create(&operation).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return fmt.Errorf("operation %s for block %d already exists", op.OpType, op.BlockNumber)
			}
			return err
		}
		out = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordEthTxResent stores a replacement broadcast of an unconfirmed
// operation: same nonce, higher gas price, new hash, new deadline.
func (d *KeeperSvcDB) RecordEthTxResent(ethOpID int64, rawTx string, txHash string, gasPrice string, deadlineBlock uint64, now int64) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		op := EthOperation{}
		if err := dbTx.Model(EthOperation{}).Where("id = ?", ethOpID).Take(&op).Error; err != nil {
			return err
		}
		if op.Confirmed {
			return fmt.Errorf("eth operation %d is confirmed, refusing to resend", ethOpID)
		}
		err := dbTx.Model(EthOperation{}).Where("id = ?", ethOpID).Updates(map[string]interface{}{
			"raw_tx":              rawTx,
			"last_used_gas_price": gasPrice,
			"last_deadline_block": deadlineBlock,
			"resend_count":        op.ResendCount + 1,
		}).Error
		if err != nil {
			return err
		}
		return dbTx.Create(&EthTxHash{EthOpID: ethOpID, TxHash: txHash, CreatedTime: now}).Error
	})
}

// ConfirmEthOperation marks the operation owning txHash confirmed, flips its
// logical operation row and bumps the stats counter. Re-confirming is a
// no-op.
func (d *KeeperSvcDB) ConfirmEthOperation(txHash string, now int64) (*EthOperation, error) {
	op := EthOperation{}
	err := d.db.Transaction(func(dbTx *gorm.DB) error {
		hashRow := EthTxHash{}
		if err := dbTx.Model(EthTxHash{}).Where("tx_hash = ?", txHash).Take(&hashRow).Error; err != nil {
			return err
		}
		if err := dbTx.Model(EthOperation{}).Where("id = ?", hashRow.EthOpID).Take(&op).Error; err != nil {
			return err
		}
		if op.Confirmed {
			return nil
		}
		err := dbTx.Model(EthOperation{}).Where("id = ?", op.Id).Updates(map[string]interface{}{
			"confirmed":  true,
			"final_hash": txHash,
		}).Error
		if err != nil {
			return err
		}
		if err = dbTx.Model(Operation{}).Where("eth_op_id = ?", op.Id).Update("confirmed", true).Error; err != nil {
			return err
		}
		var statsColumn string
		switch op.OpType {
		case "commit":
			statsColumn = "commit_ops"
		case "verify":
			statsColumn = "verify_ops"
		case "withdraw":
			statsColumn = "withdraw_ops"
		default:
			return fmt.Errorf("eth operation %d has unknown op type %s", op.Id, op.OpType)
		}
		if err = dbTx.Model(EthStats{}).Where("id = ?", SingletonRowID).
			Update(statsColumn, gorm.Expr(statsColumn+" + 1")).Error; err != nil {
			return err
		}
		op.Confirmed = true
		op.FinalHash = txHash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (d *KeeperSvcDB) GetEthOperation(id int64) (*EthOperation, error) {
	op := EthOperation{}
	err := d.db.Model(EthOperation{}).Where("id = ?", id).Take(&op).Error
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (d *KeeperSvcDB) GetEthOperationByTxHash(txHash string) (*EthOperation, error) {
	hashRow := EthTxHash{}
	err := d.db.Model(EthTxHash{}).Where("tx_hash = ?", txHash).Take(&hashRow).Error
	if err != nil {
		return nil, err
	}
	return d.GetEthOperation(hashRow.EthOpID)
}

func (d *KeeperSvcDB) GetUnconfirmedEthOperations(limit int) ([]*EthOperation, error) {
	ops := make([]*EthOperation, 0)
	if err := d.db.Where("confirmed = ?", false).Order("nonce asc").Limit(limit).Find(&ops).Error; err != nil {
		return ops, err
	}
	return ops, nil
}

// GetDueEthOperations returns unconfirmed operations whose deadline has
// passed, oldest nonce first.
func (d *KeeperSvcDB) GetDueEthOperations(currentEthBlock uint64, limit int) ([]*EthOperation, error) {
	ops := make([]*EthOperation, 0)
	if err := d.db.Where("confirmed = ? and last_deadline_block < ?", false, currentEthBlock).
		Order("nonce asc").Limit(limit).Find(&ops).Error; err != nil {
		return ops, err
	}
	return ops, nil
}

func (d *KeeperSvcDB) GetEthTxHashes(ethOpID int64) ([]*EthTxHash, error) {
	hashes := make([]*EthTxHash, 0)
	if err := d.db.Where("eth_op_id = ?", ethOpID).Order("id asc").Find(&hashes).Error; err != nil {
		return hashes, err
	}
	return hashes, nil
}

func (d *KeeperSvcDB) GetEthNonce() (uint64, error) {
	nonceRow := EthNonce{}
	err := d.db.Model(EthNonce{}).Where("id = ?", SingletonRowID).Take(&nonceRow).Error
	if err != nil {
		return 0, err
	}
	return nonceRow.Nonce, nil
}

// InitEthNonce adopts a starting nonce, refusing once any operation has been
// allocated. Used on first boot to line up with the operator account's chain
// nonce.
func (d *KeeperSvcDB) InitEthNonce(nonce uint64) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		var opCount int64
		if err := dbTx.Model(EthOperation{}).Count(&opCount).Error; err != nil {
			return err
		}
		if opCount > 0 {
			return fmt.Errorf("%d eth operations already allocated, refusing to reset nonce", opCount)
		}
		return dbTx.Model(EthNonce{}).Where("id = ?", SingletonRowID).Update("nonce", nonce).Error
	})
}

func (d *KeeperSvcDB) GetEthStats() (*EthStats, error) {
	stats := EthStats{}
	err := d.db.Model(EthStats{}).Where("id = ?", SingletonRowID).Take(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (d *KeeperSvcDB) GetOperation(blockNumber uint64, action string) (*Operation, error) {
	operation := Operation{}
	err := d.db.Model(Operation{}).Where("block_number = ? and action = ?", blockNumber, action).Take(&operation).Error
	if err != nil {
		return nil, err
	}
	return &operation, nil
}

func (d *KeeperSvcDB) GetBlockOperations(blockNumber uint64) ([]*Operation, error) {
	operations := make([]*Operation, 0)
	if err := d.db.Where("block_number = ?", blockNumber).Order("id asc").Find(&operations).Error; err != nil {
		return operations, err
	}
	return operations, nil
}

func (d *KeeperSvcDB) GetGasPriceLimit() (*big.Int, error) {
	param := EthParameter{}
	err := d.db.Model(EthParameter{}).Where("id = ?", SingletonRowID).Take(&param).Error
	if err != nil {
		return nil, err
	}
	limit, ok := util.StringToBigInt(param.GasPriceLimit)
	if !ok {
		return nil, fmt.Errorf("corrupt gas price limit %q", param.GasPriceLimit)
	}
	return limit, nil
}

func (d *KeeperSvcDB) UpdateGasPriceLimit(limit *big.Int) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		return dbTx.Model(EthParameter{}).Where("id = ?", SingletonRowID).
			Update("gas_price_limit", util.BigIntToString(limit)).Error
	})
}
