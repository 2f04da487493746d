package db

import (
	"gorm.io/gorm"
)

type BlockStatus int

const (
	Sealed    BlockStatus = 0
	Proved    BlockStatus = 1 // a validity proof is stored for the block
	Committed BlockStatus = 2 // the commit L1 transaction is confirmed
	Verified  BlockStatus = 3 // the verify L1 transaction is confirmed
)

func (s BlockStatus) String() string {
	switch s {
	case Sealed:
		return "sealed"
	case Proved:
		return "proved"
	case Committed:
		return "committed"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// Block is a sealed L2 block. A block row only ever appears together with
// its executed transactions, consumed priority ops and mutation log, written
// in one transaction by StoreSealedBlock.
type Block struct {
	Number                   uint64      `gorm:"primaryKey;autoIncrement:false"`
	RootHash                 string      `gorm:"NOT NULL;index:idx_block_root_hash;size:66"`
	FeeAccountID             uint32      `gorm:"NOT NULL"`
	BlockSize                int         `gorm:"NOT NULL"`
	UnprocessedPriorOpBefore uint64      `gorm:"NOT NULL"`
	UnprocessedPriorOpAfter  uint64      `gorm:"NOT NULL"`
	Status                   BlockStatus `gorm:"NOT NULL;index:idx_block_status"`
	SealedTime               int64       `gorm:"NOT NULL"`
}

func (*Block) TableName() string {
	return "blocks"
}

type BlockDB interface {
	GetBlock(blockNumber uint64) (*Block, error)
	GetLatestBlock() (*Block, error)
	GetBlocksByStatus(status BlockStatus, limit int) ([]*Block, error)
	GetBlocksNeedingOperation(status BlockStatus, action string, limit int) ([]*Block, error)
	UpdateBlockStatus(blockNumber uint64, status BlockStatus) error
	GetBlockCount() (int64, error)
}

func (d *KeeperSvcDB) GetBlock(blockNumber uint64) (*Block, error) {
	block := Block{}
	err := d.db.Model(Block{}).Where("number = ?", blockNumber).Take(&block).Error
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// GetLatestBlock returns the newest sealed block, or a zero block with
// Number 0 when no block has been sealed yet.
func (d *KeeperSvcDB) GetLatestBlock() (*Block, error) {
	block := Block{}
	err := d.db.Model(Block{}).Order("number desc").Take(&block).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	return &block, nil
}

func (d *KeeperSvcDB) GetBlocksByStatus(status BlockStatus, limit int) ([]*Block, error) {
	blocks := make([]*Block, 0)
	if err := d.db.Where("status = ?", status).Order("number asc").Limit(limit).Find(&blocks).Error; err != nil {
		return blocks, err
	}
	return blocks, nil
}

// GetBlocksNeedingOperation returns blocks in the given status that have no
// logical operation of the given action bound yet, oldest first. The bridge
// uses it to find blocks due for commit, verify and withdraw submissions.
func (d *KeeperSvcDB) GetBlocksNeedingOperation(status BlockStatus, action string, limit int) ([]*Block, error) {
	blocks := make([]*Block, 0)
	bound := d.db.Model(Operation{}).Select("block_number").Where("action = ?", action)
	err := d.db.Where("status = ?", status).Where("number NOT IN (?)", bound).
		Order("number asc").Limit(limit).Find(&blocks).Error
	if err != nil {
		return blocks, err
	}
	return blocks, nil
}

func (d *KeeperSvcDB) UpdateBlockStatus(blockNumber uint64, status BlockStatus) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		return dbTx.Model(Block{}).Where("number = ?", blockNumber).
			Update("status", status).Error
	})
}

func (d *KeeperSvcDB) GetBlockCount() (int64, error) {
	var count int64
	err := d.db.Model(Block{}).Count(&count).Error
	return count, err
}
