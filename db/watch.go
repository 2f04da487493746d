package db

import (
	"fmt"

	"gorm.io/gorm"
)

// LastWatchedEthBlock is the single-row L1 scan checkpoint. The hash pins
// the exact header the watcher trusted, so a later mismatch reveals a reorg.
type LastWatchedEthBlock struct {
	Id          int64  `gorm:"primaryKey;autoIncrement:false"`
	BlockNumber uint64 `gorm:"NOT NULL"`
	BlockHash   string `gorm:"NOT NULL;size:66"`
}

func (*LastWatchedEthBlock) TableName() string {
	return "last_watched_eth_block"
}

// WatchedBlockHeader is a bounded journal of recently scanned L1 headers,
// kept so a reorg can be walked back to the last common ancestor. Entries
// older than the journal depth are pruned.
type WatchedBlockHeader struct {
	Id          int64
	BlockNumber uint64 `gorm:"NOT NULL;uniqueIndex:idx_watched_header_number"`
	BlockHash   string `gorm:"NOT NULL;size:66"`
	ParentHash  string `gorm:"NOT NULL;size:66"`
}

func (*WatchedBlockHeader) TableName() string {
	return "watched_block_headers"
}

type WatchDB interface {
	GetLastWatchedBlock() (*LastWatchedEthBlock, error)
	GetWatchedHeader(blockNumber uint64) (*WatchedBlockHeader, error)
	UpdateWatchedProgress(blockNumber uint64, blockHash string, headers []*WatchedBlockHeader, ops []*ExecutedPriorityOperation, journalDepth int) error
	RollbackWatchedBlocks(ancestorNumber uint64, ancestorHash string) error
}

func (d *KeeperSvcDB) GetLastWatchedBlock() (*LastWatchedEthBlock, error) {
	watched := LastWatchedEthBlock{}
	err := d.db.Model(LastWatchedEthBlock{}).Where("id = ?", SingletonRowID).Take(&watched).Error
	if err != nil {
		return nil, err
	}
	return &watched, nil
}

func (d *KeeperSvcDB) GetWatchedHeader(blockNumber uint64) (*WatchedBlockHeader, error) {
	header := WatchedBlockHeader{}
	err := d.db.Model(WatchedBlockHeader{}).Where("block_number = ?", blockNumber).Take(&header).Error
	if err != nil {
		return nil, err
	}
	return &header, nil
}

// UpdateWatchedProgress persists one scan step: the priority ops decoded
// from the scanned range, the headers of that range, and the advanced
// checkpoint, all in one transaction. Re-scanning a range is harmless
// because priority ops are keyed by serial id and headers by number.
func (d *KeeperSvcDB) UpdateWatchedProgress(blockNumber uint64, blockHash string, headers []*WatchedBlockHeader, ops []*ExecutedPriorityOperation, journalDepth int) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		for _, op := range ops {
			err := dbTx.Create(op).Error
			if err != nil && !IsDuplicateKeyErr(err) {
				return err
			}
		}
		for _, header := range headers {
			err := dbTx.Create(header).Error
			if err != nil {
				if !IsDuplicateKeyErr(err) {
					return err
				}
				err = dbTx.Model(WatchedBlockHeader{}).Where("block_number = ?", header.BlockNumber).
					Updates(map[string]interface{}{"block_hash": header.BlockHash, "parent_hash": header.ParentHash}).Error
				if err != nil {
					return err
				}
			}
		}
		if journalDepth > 0 && blockNumber > uint64(journalDepth) {
			err := dbTx.Where("block_number < ?", blockNumber-uint64(journalDepth)).Delete(WatchedBlockHeader{}).Error
			if err != nil {
				return err
			}
		}
		return dbTx.Model(LastWatchedEthBlock{}).Where("id = ?", SingletonRowID).
			Updates(map[string]interface{}{"block_number": blockNumber, "block_hash": blockHash}).Error
	})
}

// RollbackWatchedBlocks undoes a reorged suffix: drops journal headers and
// unconsumed priority ops past the ancestor and moves the checkpoint back.
// A consumed priority op past the ancestor cannot be undone, the rollup has
// already built on it.
func (d *KeeperSvcDB) RollbackWatchedBlocks(ancestorNumber uint64, ancestorHash string) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		var consumed int64
		err := dbTx.Model(ExecutedPriorityOperation{}).
			Where("eth_block > ? and block_number > 0", ancestorNumber).Count(&consumed).Error
		if err != nil {
			return err
		}
		if consumed > 0 {
			return fmt.Errorf("%w: %d ops past eth block %d", ErrOrphanedPriorityOp, consumed, ancestorNumber)
		}
		if err = dbTx.Where("eth_block > ? and block_number = 0", ancestorNumber).
			Delete(ExecutedPriorityOperation{}).Error; err != nil {
			return err
		}
		if err = dbTx.Where("block_number > ?", ancestorNumber).Delete(WatchedBlockHeader{}).Error; err != nil {
			return err
		}
		return dbTx.Model(LastWatchedEthBlock{}).Where("id = ?", SingletonRowID).
			Updates(map[string]interface{}{"block_number": ancestorNumber, "block_hash": ancestorHash}).Error
	})
}
