package db

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/types"
	"github.com/keeper-labs/rollup-keeper/util"
)

// The three tables below form the ordered account mutation log. Rows are
// append-only; update_order_id is dense per block across the union of all
// three tables.

type AccountBalanceUpdate struct {
	Id            int64
	BlockNumber   uint64 `gorm:"NOT NULL;uniqueIndex:idx_balance_update_order"`
	UpdateOrderID uint32 `gorm:"NOT NULL;uniqueIndex:idx_balance_update_order"`
	AccountID     uint32 `gorm:"NOT NULL;index:idx_balance_update_account"`
	TokenID       uint16 `gorm:"NOT NULL"`
	OldBalance    string `gorm:"NOT NULL;type:decimal(65,0)"`
	NewBalance    string `gorm:"NOT NULL;type:decimal(65,0)"`
	OldNonce      uint32 `gorm:"NOT NULL"`
	NewNonce      uint32 `gorm:"NOT NULL"`
}

func (*AccountBalanceUpdate) TableName() string {
	return "account_balance_updates"
}

type AccountCreate struct {
	Id            int64
	BlockNumber   uint64 `gorm:"NOT NULL;uniqueIndex:idx_account_create_order"`
	UpdateOrderID uint32 `gorm:"NOT NULL;uniqueIndex:idx_account_create_order"`
	AccountID     uint32 `gorm:"NOT NULL;uniqueIndex:idx_account_create_account"`
	Address       string `gorm:"NOT NULL;size:42"`
}

func (*AccountCreate) TableName() string {
	return "account_creates"
}

type AccountPubkeyUpdate struct {
	Id            int64
	BlockNumber   uint64 `gorm:"NOT NULL;uniqueIndex:idx_pubkey_update_order"`
	UpdateOrderID uint32 `gorm:"NOT NULL;uniqueIndex:idx_pubkey_update_order"`
	AccountID     uint32 `gorm:"NOT NULL;index:idx_pubkey_update_account"`
	OldPubkeyHash string `gorm:"NOT NULL;size:40"`
	NewPubkeyHash string `gorm:"NOT NULL;size:40"`
	OldNonce      uint32 `gorm:"NOT NULL"`
	NewNonce      uint32 `gorm:"NOT NULL"`
}

func (*AccountPubkeyUpdate) TableName() string {
	return "account_pubkey_updates"
}

type UpdateDB interface {
	ApplyAccountUpdates(blockNumber uint64, updates []types.OrderedUpdate) error
	GetNextUpdateOrderID(blockNumber uint64) (uint32, error)
	GetBlockUpdates(blockNumber uint64) ([]types.OrderedUpdate, error)
}

func (d *KeeperSvcDB) ApplyAccountUpdates(blockNumber uint64, updates []types.OrderedUpdate) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		return applyAccountUpdatesTx(dbTx, blockNumber, updates)
	})
}

func (d *KeeperSvcDB) GetNextUpdateOrderID(blockNumber uint64) (uint32, error) {
	return nextUpdateOrderID(d.db, blockNumber)
}

func nextUpdateOrderID(dbTx *gorm.DB, blockNumber uint64) (uint32, error) {
	next := uint32(0)
	for _, model := range []interface{}{AccountBalanceUpdate{}, AccountCreate{}, AccountPubkeyUpdate{}} {
		var maxID int64
		err := dbTx.Model(model).Where("block_number = ?", blockNumber).
			Select("coalesce(max(update_order_id), -1)").Scan(&maxID).Error
		if err != nil {
			return 0, err
		}
		if maxID >= 0 && uint32(maxID)+1 > next {
			next = uint32(maxID) + 1
		}
	}
	return next, nil
}

// applyAccountUpdatesTx appends the updates to the block's mutation log and
// rewrites the account projection, all inside the caller's transaction. Log
// rows are written before projection rows. Order ids must continue the
// block's log with no gap, otherwise nothing is written.
func applyAccountUpdatesTx(dbTx *gorm.DB, blockNumber uint64, updates []types.OrderedUpdate) error {
	next, err := nextUpdateOrderID(dbTx, blockNumber)
	if err != nil {
		return err
	}
	for _, ou := range updates {
		if ou.UpdateOrderID != next {
			return fmt.Errorf("%w: block %d expects order id %d, got %d",
				ErrOrderingViolation, blockNumber, next, ou.UpdateOrderID)
		}
		next++

		switch u := ou.Update.(type) {
		case types.AccountCreate:
			row := AccountCreate{
				BlockNumber:   blockNumber,
				UpdateOrderID: ou.UpdateOrderID,
				AccountID:     u.AccountID,
				Address:       u.Address.Hex(),
			}
			if err := dbTx.Create(&row).Error; err != nil {
				return err
			}
			account := Account{
				Id:         u.AccountID,
				Address:    u.Address.Hex(),
				Nonce:      0,
				PubkeyHash: types.PubkeyHash{}.String(),
				LastBlock:  blockNumber,
			}
			if err := dbTx.Create(&account).Error; err != nil {
				return err
			}
		case types.BalanceUpdate:
			row := AccountBalanceUpdate{
				BlockNumber:   blockNumber,
				UpdateOrderID: ou.UpdateOrderID,
				AccountID:     u.AccountID,
				TokenID:       u.TokenID,
				OldBalance:    util.BigIntToString(u.OldBalance),
				NewBalance:    util.BigIntToString(u.NewBalance),
				OldNonce:      u.OldNonce,
				NewNonce:      u.NewNonce,
			}
			if err := dbTx.Create(&row).Error; err != nil {
				return err
			}
			if err := projectAccountTx(dbTx, u.AccountID, blockNumber, map[string]interface{}{"nonce": u.NewNonce}); err != nil {
				return err
			}
			if err := projectBalanceTx(dbTx, u.AccountID, u.TokenID, row.NewBalance); err != nil {
				return err
			}
		case types.PubkeyUpdate:
			row := AccountPubkeyUpdate{
				BlockNumber:   blockNumber,
				UpdateOrderID: ou.UpdateOrderID,
				AccountID:     u.AccountID,
				OldPubkeyHash: u.OldPubkeyHash.String(),
				NewPubkeyHash: u.NewPubkeyHash.String(),
				OldNonce:      u.OldNonce,
				NewNonce:      u.NewNonce,
			}
			if err := dbTx.Create(&row).Error; err != nil {
				return err
			}
			if err := projectAccountTx(dbTx, u.AccountID, blockNumber, map[string]interface{}{
				"nonce":       u.NewNonce,
				"pubkey_hash": row.NewPubkeyHash,
			}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown account update type %T at block %d order %d", ou.Update, blockNumber, ou.UpdateOrderID)
		}
	}
	return nil
}

func projectAccountTx(dbTx *gorm.DB, accountID uint32, blockNumber uint64, fields map[string]interface{}) error {
	fields["last_block"] = blockNumber
	res := dbTx.Model(Account{}).Where("id = ?", accountID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %d is not in the projection, update log is ahead of it", accountID)
	}
	return nil
}

func projectBalanceTx(dbTx *gorm.DB, accountID uint32, tokenID uint16, amount string) error {
	balance := Balance{}
	err := dbTx.Model(Balance{}).Where("account_id = ? and token_id = ?", accountID, tokenID).Take(&balance).Error
	if err == gorm.ErrRecordNotFound {
		return dbTx.Create(&Balance{AccountID: accountID, TokenID: tokenID, Amount: amount}).Error
	}
	if err != nil {
		return err
	}
	return dbTx.Model(Balance{}).Where("id = ?", balance.Id).Update("amount", amount).Error
}

// GetBlockUpdates loads the block's full mutation log in order id order.
func (d *KeeperSvcDB) GetBlockUpdates(blockNumber uint64) ([]types.OrderedUpdate, error) {
	updates := make([]types.OrderedUpdate, 0)

	creates := make([]*AccountCreate, 0)
	if err := d.db.Where("block_number = ?", blockNumber).Find(&creates).Error; err != nil {
		return nil, err
	}
	for _, row := range creates {
		updates = append(updates, types.OrderedUpdate{
			UpdateOrderID: row.UpdateOrderID,
			Update: types.AccountCreate{
				AccountID: row.AccountID,
				Address:   common.HexToAddress(row.Address),
			},
		})
	}

	balanceRows := make([]*AccountBalanceUpdate, 0)
	if err := d.db.Where("block_number = ?", blockNumber).Find(&balanceRows).Error; err != nil {
		return nil, err
	}
	for _, row := range balanceRows {
		oldBalance, ok := util.StringToBigInt(row.OldBalance)
		if !ok {
			return nil, fmt.Errorf("corrupt old balance %q at block %d order %d", row.OldBalance, blockNumber, row.UpdateOrderID)
		}
		newBalance, ok := util.StringToBigInt(row.NewBalance)
		if !ok {
			return nil, fmt.Errorf("corrupt new balance %q at block %d order %d", row.NewBalance, blockNumber, row.UpdateOrderID)
		}
		updates = append(updates, types.OrderedUpdate{
			UpdateOrderID: row.UpdateOrderID,
			Update: types.BalanceUpdate{
				AccountID:  row.AccountID,
				TokenID:    row.TokenID,
				OldBalance: oldBalance,
				NewBalance: newBalance,
				OldNonce:   row.OldNonce,
				NewNonce:   row.NewNonce,
			},
		})
	}

	pubkeyRows := make([]*AccountPubkeyUpdate, 0)
	if err := d.db.Where("block_number = ?", blockNumber).Find(&pubkeyRows).Error; err != nil {
		return nil, err
	}
	for _, row := range pubkeyRows {
		oldHash, err := types.PubkeyHashFromString(row.OldPubkeyHash)
		if err != nil {
			return nil, fmt.Errorf("corrupt old pubkey hash at block %d order %d: %v", blockNumber, row.UpdateOrderID, err)
		}
		newHash, err := types.PubkeyHashFromString(row.NewPubkeyHash)
		if err != nil {
			return nil, fmt.Errorf("corrupt new pubkey hash at block %d order %d: %v", blockNumber, row.UpdateOrderID, err)
		}
		updates = append(updates, types.OrderedUpdate{
			UpdateOrderID: row.UpdateOrderID,
			Update: types.PubkeyUpdate{
				AccountID:     row.AccountID,
				OldPubkeyHash: oldHash,
				NewPubkeyHash: newHash,
				OldNonce:      row.OldNonce,
				NewNonce:      row.NewNonce,
			},
		})
	}

	sort.Slice(updates, func(i, j int) bool {
		return updates[i].UpdateOrderID < updates[j].UpdateOrderID
	})
	return updates, nil
}
