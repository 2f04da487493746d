package db

import (
	"gorm.io/gorm"
)

// Account is the projected head state of one L2 account. Rows are derived
// from the update log and rewritten as blocks apply; the log stays the
// source of truth.
type Account struct {
	Id         uint32 `gorm:"primaryKey;autoIncrement:false"`
	Address    string `gorm:"NOT NULL;uniqueIndex:idx_account_address;size:42"`
	Nonce      uint32 `gorm:"NOT NULL"`
	PubkeyHash string `gorm:"NOT NULL;size:40"`
	LastBlock  uint64 `gorm:"NOT NULL;index:idx_account_last_block"`
}

func (*Account) TableName() string {
	return "accounts"
}

type Balance struct {
	Id        int64
	AccountID uint32 `gorm:"NOT NULL;uniqueIndex:idx_balance_account_token"`
	TokenID   uint16 `gorm:"NOT NULL;uniqueIndex:idx_balance_account_token"`
	Amount    string `gorm:"NOT NULL;type:decimal(65,0)"`
}

func (*Balance) TableName() string {
	return "balances"
}

type AccountDB interface {
	GetAccount(accountID uint32) (*Account, error)
	GetAccountByAddress(address string) (*Account, error)
	GetAccountBalances(accountID uint32) ([]*Balance, error)
	GetAccountBalance(accountID uint32, tokenID uint16) (*Balance, error)
	GetNextAccountID() (uint32, error)
	GetAccountCount() (int64, error)
	GetAccountsPaged(afterID uint32, limit int) ([]*Account, error)
}

func (d *KeeperSvcDB) GetAccount(accountID uint32) (*Account, error) {
	account := Account{}
	err := d.db.Model(Account{}).Where("id = ?", accountID).Take(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *KeeperSvcDB) GetAccountByAddress(address string) (*Account, error) {
	account := Account{}
	err := d.db.Model(Account{}).Where("address = ?", address).Take(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *KeeperSvcDB) GetAccountBalances(accountID uint32) ([]*Balance, error) {
	balances := make([]*Balance, 0)
	if err := d.db.Where("account_id = ?", accountID).Order("token_id asc").Find(&balances).Error; err != nil {
		return balances, err
	}
	return balances, nil
}

func (d *KeeperSvcDB) GetAccountBalance(accountID uint32, tokenID uint16) (*Balance, error) {
	balance := Balance{}
	err := d.db.Model(Balance{}).Where("account_id = ? and token_id = ?", accountID, tokenID).Take(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// GetNextAccountID returns the id the next created account must take.
// Account ids start at 1 so the zero value never names an account.
func (d *KeeperSvcDB) GetNextAccountID() (uint32, error) {
	var maxID int64
	err := d.db.Model(Account{}).Select("coalesce(max(id), 0)").Scan(&maxID).Error
	if err != nil {
		return 0, err
	}
	return uint32(maxID) + 1, nil
}

func (d *KeeperSvcDB) GetAccountCount() (int64, error) {
	var count int64
	err := d.db.Model(Account{}).Count(&count).Error
	return count, err
}

// GetAccountsPaged walks the account table in id order, afterID exclusive.
func (d *KeeperSvcDB) GetAccountsPaged(afterID uint32, limit int) ([]*Account, error) {
	accounts := make([]*Account, 0)
	err := d.db.Where("id > ?", afterID).Order("id asc").Limit(limit).Find(&accounts).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return accounts, err
	}
	return accounts, nil
}
