package db

import (
	"fmt"

	"gorm.io/gorm"
)

// ExecutedPriorityOperation is a priority request observed on L1. BlockNumber
// stays 0 until the pipeline consumes the op into a block; serial ids are
// contract-assigned and consumed in contiguous ranges.
type ExecutedPriorityOperation struct {
	Id            int64
	SerialID      uint64 `gorm:"NOT NULL;uniqueIndex:idx_priority_op_serial"`
	OpType        string `gorm:"NOT NULL;size:16"`
	Data          string `gorm:"NOT NULL;type:text"`
	DeadlineBlock uint64 `gorm:"NOT NULL"`
	EthHash       string `gorm:"NOT NULL;size:66"`
	EthBlock      uint64 `gorm:"NOT NULL;index:idx_priority_op_eth_block"`
	BlockNumber   uint64 `gorm:"NOT NULL;index:idx_priority_op_block"`
	BlockIndex    int    `gorm:"NOT NULL"`
	CreatedTime   int64  `gorm:"NOT NULL"`
}

func (*ExecutedPriorityOperation) TableName() string {
	return "executed_priority_operations"
}

type PriorityOpDB interface {
	GetPriorityOp(serialID uint64) (*ExecutedPriorityOperation, error)
	GetUnconsumedPriorityOps(limit int) ([]*ExecutedPriorityOperation, error)
	GetExpiredPriorityOps(currentEthBlock uint64) ([]*ExecutedPriorityOperation, error)
	GetBlockPriorityOps(blockNumber uint64) ([]*ExecutedPriorityOperation, error)
	GetPriorityOpCount() (int64, error)
}

func (d *KeeperSvcDB) GetPriorityOp(serialID uint64) (*ExecutedPriorityOperation, error) {
	op := ExecutedPriorityOperation{}
	err := d.db.Model(ExecutedPriorityOperation{}).Where("serial_id = ?", serialID).Take(&op).Error
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// GetUnconsumedPriorityOps returns ops no block has consumed yet, in serial
// id order.
func (d *KeeperSvcDB) GetUnconsumedPriorityOps(limit int) ([]*ExecutedPriorityOperation, error) {
	ops := make([]*ExecutedPriorityOperation, 0)
	if err := d.db.Where("block_number = 0").Order("serial_id asc").Limit(limit).Find(&ops).Error; err != nil {
		return ops, err
	}
	return ops, nil
}

// GetExpiredPriorityOps returns unconsumed ops whose inclusion deadline has
// passed on L1. Any result is an alert condition.
func (d *KeeperSvcDB) GetExpiredPriorityOps(currentEthBlock uint64) ([]*ExecutedPriorityOperation, error) {
	ops := make([]*ExecutedPriorityOperation, 0)
	if err := d.db.Where("block_number = 0 and deadline_block < ?", currentEthBlock).
		Order("serial_id asc").Find(&ops).Error; err != nil {
		return ops, err
	}
	return ops, nil
}

func (d *KeeperSvcDB) GetBlockPriorityOps(blockNumber uint64) ([]*ExecutedPriorityOperation, error) {
	ops := make([]*ExecutedPriorityOperation, 0)
	if err := d.db.Where("block_number = ?", blockNumber).Order("block_index asc").Find(&ops).Error; err != nil {
		return ops, err
	}
	return ops, nil
}

func (d *KeeperSvcDB) GetPriorityOpCount() (int64, error) {
	var count int64
	err := d.db.Model(ExecutedPriorityOperation{}).Count(&count).Error
	return count, err
}

// consumePriorityOpsTx binds the ops in serialIDs to the block being sealed.
// The ids must be exactly the contiguous range the block header declares,
// and every op must still be unconsumed.
func consumePriorityOpsTx(dbTx *gorm.DB, block *Block, serialIDs []uint64) error {
	if uint64(len(serialIDs)) != block.UnprocessedPriorOpAfter-block.UnprocessedPriorOpBefore {
		return fmt.Errorf("%w: block %d declares range [%d, %d) but consumes %d ops",
			ErrPriorityOpGap, block.Number, block.UnprocessedPriorOpBefore, block.UnprocessedPriorOpAfter, len(serialIDs))
	}
	for i, serialID := range serialIDs {
		if serialID != block.UnprocessedPriorOpBefore+uint64(i) {
			return fmt.Errorf("%w: block %d expects serial %d at index %d, got %d",
				ErrPriorityOpGap, block.Number, block.UnprocessedPriorOpBefore+uint64(i), i, serialID)
		}
		res := dbTx.Model(ExecutedPriorityOperation{}).
			Where("serial_id = ? and block_number = 0", serialID).
			Updates(map[string]interface{}{"block_number": block.Number, "block_index": i})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: serial %d is missing or already consumed", ErrPriorityOpGap, serialID)
		}
	}
	return nil
}
