package mempool

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/types"
)

// ErrDuplicateTx is returned when a submitted transaction's content hash has
// been seen before, in the pool or in an executed block.
var ErrDuplicateTx = db.ErrDuplicateTx

// Pool is the durable mempool. Transactions wait here until the pipeline
// seals them into a block; the seal transaction removes them.
type Pool struct {
	keeperDao db.KeeperDao
}

func NewPool(keeperDao db.KeeperDao) *Pool {
	return &Pool{keeperDao: keeperDao}
}

// PendingTx pairs a decoded transaction with the hash key of its pool row
// and the raw envelope as submitted.
type PendingTx struct {
	Hash string
	Raw  string
	Tx   *types.SignedTx
}

// Add validates and enqueues a transaction. The content hash is the dedupe
// key: a hash already pooled or already executed is rejected with
// ErrDuplicateTx.
func (p *Pool) Add(tx *types.SignedTx) error {
	if err := validate(tx); err != nil {
		return err
	}
	txHash := tx.Hash().Hex()

	_, err := p.keeperDao.GetExecutedTxByHash(txHash)
	if err == nil {
		return fmt.Errorf("%w: %s was already executed", ErrDuplicateTx, txHash)
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	row := &db.MempoolTx{
		TxHash:      txHash,
		TxType:      string(tx.Type),
		FromAddress: tx.From.Hex(),
		Nonce:       tx.Nonce,
		Tx:          string(payload),
		CreatedTime: time.Now().Unix(),
	}
	if err = p.keeperDao.CreateMempoolTx(row); err != nil {
		if err == db.ErrDuplicateTx {
			return fmt.Errorf("%w: %s is already pooled", ErrDuplicateTx, txHash)
		}
		return err
	}
	return nil
}

// Pending returns up to limit pooled transactions in arrival order, decoded.
// A row that fails to decode aborts the read; the pool only ever stores
// envelopes it validated, so a decode failure means corruption.
func (p *Pool) Pending(limit int) ([]*PendingTx, error) {
	rows, err := p.keeperDao.GetMempoolTxs(limit)
	if err != nil {
		return nil, err
	}
	pending := make([]*PendingTx, 0, len(rows))
	for _, row := range rows {
		tx := types.SignedTx{}
		if err = json.Unmarshal([]byte(row.Tx), &tx); err != nil {
			return nil, fmt.Errorf("corrupt mempool row %s: %v", row.TxHash, err)
		}
		pending = append(pending, &PendingTx{Hash: row.TxHash, Raw: row.Tx, Tx: &tx})
	}
	return pending, nil
}

func (p *Pool) Size() (int64, error) {
	return p.keeperDao.GetMempoolTxCount()
}

func validate(tx *types.SignedTx) error {
	if !tx.Type.Valid() {
		return fmt.Errorf("unknown tx type %q", tx.Type)
	}
	switch tx.Type {
	case types.TxTypeTransfer:
		transfer, err := tx.AsTransfer()
		if err != nil {
			return err
		}
		if err = checkAmount("amount", transfer.Amount); err != nil {
			return err
		}
		return checkAmount("fee", transfer.Fee)
	case types.TxTypeWithdraw:
		withdraw, err := tx.AsWithdraw()
		if err != nil {
			return err
		}
		if err = checkAmount("amount", withdraw.Amount); err != nil {
			return err
		}
		return checkAmount("fee", withdraw.Fee)
	case types.TxTypeChangePubKey:
		change, err := tx.AsChangePubKey()
		if err != nil {
			return err
		}
		if change.NewPkHash.IsZero() {
			return fmt.Errorf("change pubkey to the zero hash is not allowed")
		}
		return checkAmount("fee", change.Fee)
	}
	return nil
}

func checkAmount(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("missing %s", name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("negative %s", name)
	}
	return nil
}
