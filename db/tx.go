package db

// ExecutedTransaction is the permanent record of a transaction the pipeline
// executed, successful or failed. Failed executions carry the reason and
// have no balance effects.
type ExecutedTransaction struct {
	Id          int64
	TxHash      string `gorm:"NOT NULL;uniqueIndex:idx_executed_tx_hash;size:66"`
	TxType      string `gorm:"NOT NULL;size:16"`
	BlockNumber uint64 `gorm:"NOT NULL;index:idx_executed_tx_block"`
	BlockIndex  int    `gorm:"NOT NULL;index:idx_executed_tx_block"`
	FromAddress string `gorm:"NOT NULL;index:idx_executed_tx_from;size:42"`
	Nonce       uint32 `gorm:"NOT NULL"`
	Tx          string `gorm:"NOT NULL;type:text"`
	Success     bool   `gorm:"NOT NULL"`
	FailReason  string `gorm:"size:256"`
	CreatedTime int64  `gorm:"NOT NULL"`
}

func (*ExecutedTransaction) TableName() string {
	return "executed_transactions"
}

type TxDB interface {
	GetExecutedTxByHash(txHash string) (*ExecutedTransaction, error)
	GetBlockTxs(blockNumber uint64) ([]*ExecutedTransaction, error)
	GetExecutedTxCount() (int64, error)
}

func (d *KeeperSvcDB) GetExecutedTxByHash(txHash string) (*ExecutedTransaction, error) {
	tx := ExecutedTransaction{}
	err := d.db.Model(ExecutedTransaction{}).Where("tx_hash = ?", txHash).Take(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (d *KeeperSvcDB) GetBlockTxs(blockNumber uint64) ([]*ExecutedTransaction, error) {
	txs := make([]*ExecutedTransaction, 0)
	if err := d.db.Where("block_number = ?", blockNumber).Order("block_index asc").Find(&txs).Error; err != nil {
		return txs, err
	}
	return txs, nil
}

func (d *KeeperSvcDB) GetExecutedTxCount() (int64, error) {
	var count int64
	err := d.db.Model(ExecutedTransaction{}).Count(&count).Error
	return count, err
}
