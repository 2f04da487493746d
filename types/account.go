package types

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PubkeyHashLength is the truncated hash length of an L2 public key.
const PubkeyHashLength = 20

// PubkeyHash identifies the signing key registered for an L2 account.
// The zero value means no key has been set yet.
type PubkeyHash [PubkeyHashLength]byte

func (h PubkeyHash) IsZero() bool {
	return h == PubkeyHash{}
}

func (h PubkeyHash) String() string {
	return hex.EncodeToString(h[:])
}

func PubkeyHashFromString(s string) (PubkeyHash, error) {
	var h PubkeyHash
	bz, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(bz) != PubkeyHashLength {
		return h, fmt.Errorf("invalid pubkey hash length %d", len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// AccountState is the projected state of one account.
type AccountState struct {
	ID         uint32
	Address    common.Address
	Nonce      uint32
	PubkeyHash PubkeyHash
	LastBlock  uint64
	Balances   map[uint16]*big.Int
}

// Balance returns the balance for a token, zero if the account never held it.
func (s *AccountState) Balance(tokenID uint16) *big.Int {
	if b, ok := s.Balances[tokenID]; ok {
		return b
	}
	return new(big.Int)
}

// AccountUpdate is one entry of a block's ordered mutation log. Replaying a
// block's updates in order against the pre-block state yields the post-block
// state.
type AccountUpdate interface {
	// UpdatedAccountID names the account the update applies to.
	UpdatedAccountID() uint32
}

// AccountCreate records the creation of an account for an L1 address.
type AccountCreate struct {
	AccountID uint32
	Address   common.Address
}

func (u AccountCreate) UpdatedAccountID() uint32 { return u.AccountID }

// BalanceUpdate records a balance transition for one (account, token) pair,
// together with the nonce transition of the owning account.
type BalanceUpdate struct {
	AccountID  uint32
	TokenID    uint16
	OldBalance *big.Int
	NewBalance *big.Int
	OldNonce   uint32
	NewNonce   uint32
}

func (u BalanceUpdate) UpdatedAccountID() uint32 { return u.AccountID }

// PubkeyUpdate records a signing key change for an account.
type PubkeyUpdate struct {
	AccountID     uint32
	OldPubkeyHash PubkeyHash
	NewPubkeyHash PubkeyHash
	OldNonce      uint32
	NewNonce      uint32
}

func (u PubkeyUpdate) UpdatedAccountID() uint32 { return u.AccountID }

// OrderedUpdate pins an update to its position in the block's mutation log.
// Order ids are dense within a block, starting at zero.
type OrderedUpdate struct {
	UpdateOrderID uint32
	Update        AccountUpdate
}

// AccountStateDelta is the outcome of replaying one block's mutation log:
// the final nonce, balances and pubkey hash of every touched account.
type AccountStateDelta struct {
	BlockNumber     uint64
	CreatedAccounts map[uint32]common.Address
	Nonces          map[uint32]uint32
	Balances        map[uint32]map[uint16]*big.Int
	PubkeyHashes    map[uint32]PubkeyHash
}

func NewAccountStateDelta(blockNumber uint64) *AccountStateDelta {
	return &AccountStateDelta{
		BlockNumber:     blockNumber,
		CreatedAccounts: make(map[uint32]common.Address),
		Nonces:          make(map[uint32]uint32),
		Balances:        make(map[uint32]map[uint16]*big.Int),
		PubkeyHashes:    make(map[uint32]PubkeyHash),
	}
}

// Apply folds a single update into the delta.
func (d *AccountStateDelta) Apply(update AccountUpdate) {
	switch u := update.(type) {
	case AccountCreate:
		d.CreatedAccounts[u.AccountID] = u.Address
		d.Nonces[u.AccountID] = 0
	case BalanceUpdate:
		balances, ok := d.Balances[u.AccountID]
		if !ok {
			balances = make(map[uint16]*big.Int)
			d.Balances[u.AccountID] = balances
		}
		balances[u.TokenID] = new(big.Int).Set(u.NewBalance)
		d.Nonces[u.AccountID] = u.NewNonce
	case PubkeyUpdate:
		d.PubkeyHashes[u.AccountID] = u.NewPubkeyHash
		d.Nonces[u.AccountID] = u.NewNonce
	}
}
