package db

import (
	"gorm.io/gorm"
)

// NativeTokenID is the token id of the chain's native asset, seeded at
// migration time.
const NativeTokenID = uint16(0)

type Token struct {
	Id          uint16 `gorm:"primaryKey;autoIncrement:false"`
	Address     string `gorm:"NOT NULL;uniqueIndex:idx_token_address;size:42"`
	Symbol      string `gorm:"NOT NULL;uniqueIndex:idx_token_symbol;size:16"`
	CreatedTime int64  `gorm:"NOT NULL"`
}

func (*Token) TableName() string {
	return "tokens"
}

type TokenDB interface {
	CreateToken(token *Token) error
	GetToken(tokenID uint16) (*Token, error)
	GetTokenBySymbol(symbol string) (*Token, error)
	GetTokens() ([]*Token, error)
}

func (d *KeeperSvcDB) CreateToken(token *Token) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		return dbTx.Create(token).Error
	})
}

func (d *KeeperSvcDB) GetToken(tokenID uint16) (*Token, error) {
	token := Token{}
	err := d.db.Model(Token{}).Where("id = ?", tokenID).Take(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (d *KeeperSvcDB) GetTokenBySymbol(symbol string) (*Token, error) {
	token := Token{}
	err := d.db.Model(Token{}).Where("symbol = ?", symbol).Take(&token).Error
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (d *KeeperSvcDB) GetTokens() ([]*Token, error) {
	tokens := make([]*Token, 0)
	if err := d.db.Order("id asc").Find(&tokens).Error; err != nil {
		return tokens, err
	}
	return tokens, nil
}
