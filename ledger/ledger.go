package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/types"
	"github.com/keeper-labs/rollup-keeper/util"
)

// ErrOrderingViolation is returned when an update batch does not continue a
// block's mutation log exactly where it left off.
var ErrOrderingViolation = db.ErrOrderingViolation

// Ledger owns the ordered account mutation log and the projection derived
// from it. All writes go through the DAO in single transactions; the ledger
// itself keeps no state.
type Ledger struct {
	keeperDao db.KeeperDao
}

func NewLedger(keeperDao db.KeeperDao) *Ledger {
	return &Ledger{keeperDao: keeperDao}
}

// ApplyUpdates appends updates to blockNumber's mutation log and rewrites
// the projection. Updates must carry consecutive order ids continuing the
// block's log; otherwise nothing is written and ErrOrderingViolation is
// returned.
func (l *Ledger) ApplyUpdates(blockNumber uint64, updates []types.OrderedUpdate) error {
	return l.keeperDao.ApplyAccountUpdates(blockNumber, updates)
}

// GetAccountState loads the projected state of one account.
func (l *Ledger) GetAccountState(accountID uint32) (*types.AccountState, error) {
	account, err := l.keeperDao.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	return l.assembleState(account)
}

func (l *Ledger) GetAccountStateByAddress(address common.Address) (*types.AccountState, error) {
	account, err := l.keeperDao.GetAccountByAddress(address.Hex())
	if err != nil {
		return nil, err
	}
	return l.assembleState(account)
}

func (l *Ledger) assembleState(account *db.Account) (*types.AccountState, error) {
	pubkeyHash, err := types.PubkeyHashFromString(account.PubkeyHash)
	if err != nil {
		return nil, fmt.Errorf("account %d has corrupt pubkey hash: %v", account.Id, err)
	}
	balances, err := l.keeperDao.GetAccountBalances(account.Id)
	if err != nil {
		return nil, err
	}
	state := &types.AccountState{
		ID:         account.Id,
		Address:    common.HexToAddress(account.Address),
		Nonce:      account.Nonce,
		PubkeyHash: pubkeyHash,
		LastBlock:  account.LastBlock,
		Balances:   make(map[uint16]*big.Int),
	}
	for _, balance := range balances {
		amount, ok := util.StringToBigInt(balance.Amount)
		if !ok {
			return nil, fmt.Errorf("account %d token %d has corrupt balance %q", account.Id, balance.TokenID, balance.Amount)
		}
		state.Balances[balance.TokenID] = amount
	}
	return state, nil
}

// ReplayBlock folds the block's persisted mutation log, in order id order,
// into the per-account delta it produced. The fold touches only the log
// tables, never the projection, so it is the ground truth for audits.
func (l *Ledger) ReplayBlock(blockNumber uint64) (*types.AccountStateDelta, error) {
	updates, err := l.keeperDao.GetBlockUpdates(blockNumber)
	if err != nil {
		return nil, err
	}
	for i, ou := range updates {
		if ou.UpdateOrderID != uint32(i) {
			return nil, fmt.Errorf("%w: block %d log has order id %d at position %d",
				ErrOrderingViolation, blockNumber, ou.UpdateOrderID, i)
		}
	}
	delta := types.NewAccountStateDelta(blockNumber)
	for _, ou := range updates {
		delta.Apply(ou.Update)
	}
	return delta, nil
}

// VerifyBlock recomputes the block's root hash from the persisted log and
// its parent's root and compares it with the stored header. Run after a
// restart before resuming the pipeline.
func (l *Ledger) VerifyBlock(blockNumber uint64) error {
	block, err := l.keeperDao.GetBlock(blockNumber)
	if err != nil {
		return err
	}
	prevRoot := common.Hash{}
	if blockNumber > 1 {
		prevBlock, err := l.keeperDao.GetBlock(blockNumber - 1)
		if err != nil {
			return fmt.Errorf("block %d exists but its parent does not: %v", blockNumber, err)
		}
		prevRoot = common.HexToHash(prevBlock.RootHash)
	}
	updates, err := l.keeperDao.GetBlockUpdates(blockNumber)
	if err != nil {
		return err
	}
	recomputed := ChainRootHash(prevRoot, blockNumber, updates)
	if recomputed.Hex() != block.RootHash {
		return fmt.Errorf("block %d root mismatch: stored %s, replayed %s", blockNumber, block.RootHash, recomputed.Hex())
	}
	return nil
}

// VerifyChain audits every sealed block from 1 to the head, stopping at the
// first root mismatch.
func (l *Ledger) VerifyChain() (uint64, error) {
	latest, err := l.keeperDao.GetLatestBlock()
	if err != nil {
		return 0, err
	}
	for number := uint64(1); number <= latest.Number; number++ {
		if err := l.VerifyBlock(number); err != nil {
			return number, err
		}
	}
	return latest.Number, nil
}

// ChainRootHash commits to a block's full mutation log chained onto its
// parent's root. Equal logs give equal roots, so replay determinism is
// checkable by recomputation.
func ChainRootHash(prevRoot common.Hash, blockNumber uint64, updates []types.OrderedUpdate) common.Hash {
	var buf []byte
	buf = append(buf, prevRoot.Bytes()...)
	buf = appendUint64(buf, blockNumber)
	for _, ou := range updates {
		buf = appendUint32(buf, ou.UpdateOrderID)
		switch u := ou.Update.(type) {
		case types.AccountCreate:
			buf = append(buf, 0x01)
			buf = appendUint32(buf, u.AccountID)
			buf = append(buf, u.Address.Bytes()...)
		case types.BalanceUpdate:
			buf = append(buf, 0x02)
			buf = appendUint32(buf, u.AccountID)
			buf = appendUint16(buf, u.TokenID)
			buf = appendBig(buf, u.OldBalance)
			buf = appendBig(buf, u.NewBalance)
			buf = appendUint32(buf, u.OldNonce)
			buf = appendUint32(buf, u.NewNonce)
		case types.PubkeyUpdate:
			buf = append(buf, 0x03)
			buf = appendUint32(buf, u.AccountID)
			buf = append(buf, u.OldPubkeyHash[:]...)
			buf = append(buf, u.NewPubkeyHash[:]...)
			buf = appendUint32(buf, u.OldNonce)
			buf = appendUint32(buf, u.NewNonce)
		}
	}
	return crypto.Keccak256Hash(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	return append(buf, scratch[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], v)
	return append(buf, scratch[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var scratch [2]byte
	binary.BigEndian.PutUint16(scratch[:], v)
	return append(buf, scratch[:]...)
}

func appendBig(buf []byte, v *big.Int) []byte {
	bz := []byte{}
	if v != nil {
		bz = v.Bytes()
	}
	buf = appendUint16(buf, uint16(len(bz)))
	return append(buf, bz...)
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return err == gorm.ErrRecordNotFound
}
