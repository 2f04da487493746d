package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// TxType names an L2 transaction kind.
type TxType string

const (
	TxTypeTransfer     TxType = "Transfer"
	TxTypeWithdraw     TxType = "Withdraw"
	TxTypeChangePubKey TxType = "ChangePubKey"
)

func (t TxType) Valid() bool {
	switch t {
	case TxTypeTransfer, TxTypeWithdraw, TxTypeChangePubKey:
		return true
	}
	return false
}

// Transfer moves token balance between two L2 accounts.
type Transfer struct {
	To     common.Address `json:"to"`
	Token  uint16         `json:"token"`
	Amount *big.Int       `json:"amount"`
	Fee    *big.Int       `json:"fee"`
}

// Withdraw burns L2 balance and schedules a payout to an L1 address.
type Withdraw struct {
	EthAddress common.Address `json:"eth_address"`
	Token      uint16         `json:"token"`
	Amount     *big.Int       `json:"amount"`
	Fee        *big.Int       `json:"fee"`
}

// ChangePubKey registers a new signing key for the sender's account.
type ChangePubKey struct {
	NewPkHash PubkeyHash `json:"new_pk_hash"`
	Fee       *big.Int   `json:"fee"`
	FeeToken  uint16     `json:"fee_token"`
}

func (c ChangePubKey) MarshalJSON() ([]byte, error) {
	type alias struct {
		NewPkHash string   `json:"new_pk_hash"`
		Fee       *big.Int `json:"fee"`
		FeeToken  uint16   `json:"fee_token"`
	}
	return json.Marshal(alias{NewPkHash: c.NewPkHash.String(), Fee: c.Fee, FeeToken: c.FeeToken})
}

func (c *ChangePubKey) UnmarshalJSON(bz []byte) error {
	type alias struct {
		NewPkHash string   `json:"new_pk_hash"`
		Fee       *big.Int `json:"fee"`
		FeeToken  uint16   `json:"fee_token"`
	}
	var a alias
	if err := json.Unmarshal(bz, &a); err != nil {
		return err
	}
	hash, err := PubkeyHashFromString(a.NewPkHash)
	if err != nil {
		return err
	}
	c.NewPkHash = hash
	c.Fee = a.Fee
	c.FeeToken = a.FeeToken
	return nil
}

// SignedTx is the submission envelope for an L2 transaction. The body carries
// the type-specific payload; the signature is kept opaque and is assumed to
// have been checked at the edge.
type SignedTx struct {
	Type      TxType          `json:"type"`
	From      common.Address  `json:"from"`
	Nonce     uint32          `json:"nonce"`
	Body      json.RawMessage `json:"body"`
	Signature hexutil.Bytes   `json:"signature"`
}

// Hash returns the content hash of the transaction, computed over its
// canonical JSON encoding. Two submissions of the same payload collide here.
func (tx *SignedTx) Hash() common.Hash {
	bz, err := json.Marshal(tx)
	if err != nil {
		// SignedTx only holds marshalable fields, this cannot fail.
		panic(err)
	}
	return crypto.Keccak256Hash(bz)
}

// AsTransfer decodes the body of a Transfer transaction.
func (tx *SignedTx) AsTransfer() (*Transfer, error) {
	if tx.Type != TxTypeTransfer {
		return nil, errors.Errorf("tx is %s, not %s", tx.Type, TxTypeTransfer)
	}
	var t Transfer
	if err := json.Unmarshal(tx.Body, &t); err != nil {
		return nil, errors.Wrap(err, "decode transfer body")
	}
	return &t, nil
}

// AsWithdraw decodes the body of a Withdraw transaction.
func (tx *SignedTx) AsWithdraw() (*Withdraw, error) {
	if tx.Type != TxTypeWithdraw {
		return nil, errors.Errorf("tx is %s, not %s", tx.Type, TxTypeWithdraw)
	}
	var w Withdraw
	if err := json.Unmarshal(tx.Body, &w); err != nil {
		return nil, errors.Wrap(err, "decode withdraw body")
	}
	return &w, nil
}

// AsChangePubKey decodes the body of a ChangePubKey transaction.
func (tx *SignedTx) AsChangePubKey() (*ChangePubKey, error) {
	if tx.Type != TxTypeChangePubKey {
		return nil, errors.Errorf("tx is %s, not %s", tx.Type, TxTypeChangePubKey)
	}
	var c ChangePubKey
	if err := json.Unmarshal(tx.Body, &c); err != nil {
		return nil, errors.Wrap(err, "decode change pubkey body")
	}
	return &c, nil
}
