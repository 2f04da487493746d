package db

import (
	"gorm.io/gorm"
)

// MempoolTx is a pending transaction waiting to be picked up by the block
// pipeline. Rows are removed inside the same transaction that seals the
// block including them.
type MempoolTx struct {
	Id          int64
	TxHash      string `gorm:"NOT NULL;uniqueIndex:idx_mempool_tx_hash;size:66"`
	TxType      string `gorm:"NOT NULL;size:16"`
	FromAddress string `gorm:"NOT NULL;index:idx_mempool_from;size:42"`
	Nonce       uint32 `gorm:"NOT NULL"`
	Tx          string `gorm:"NOT NULL;type:text"`
	CreatedTime int64  `gorm:"NOT NULL"`
}

func (*MempoolTx) TableName() string {
	return "mempool_txs"
}

type MempoolDB interface {
	CreateMempoolTx(tx *MempoolTx) error
	GetMempoolTxs(limit int) ([]*MempoolTx, error)
	GetMempoolTxByHash(txHash string) (*MempoolTx, error)
	GetMempoolTxCount() (int64, error)
}

func (d *KeeperSvcDB) CreateMempoolTx(tx *MempoolTx) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		err := dbTx.Create(tx).Error
		if err != nil && IsDuplicateKeyErr(err) {
			return ErrDuplicateTx
		}
		return err
	})
}

// GetMempoolTxs returns pending transactions in arrival order.
func (d *KeeperSvcDB) GetMempoolTxs(limit int) ([]*MempoolTx, error) {
	txs := make([]*MempoolTx, 0)
	if err := d.db.Order("id asc").Limit(limit).Find(&txs).Error; err != nil {
		return txs, err
	}
	return txs, nil
}

func (d *KeeperSvcDB) GetMempoolTxByHash(txHash string) (*MempoolTx, error) {
	tx := MempoolTx{}
	err := d.db.Model(MempoolTx{}).Where("tx_hash = ?", txHash).Take(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (d *KeeperSvcDB) GetMempoolTxCount() (int64, error) {
	var count int64
	err := d.db.Model(MempoolTx{}).Count(&count).Error
	return count, err
}
