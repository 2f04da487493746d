package pipeline

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/ledger"
	"github.com/keeper-labs/rollup-keeper/types"
)

var testDBSeq int64

func setupPipelineEnv(t *testing.T) (db.KeeperDao, *ledger.Ledger) {
	id := atomic.AddInt64(&testDBSeq, 1)
	dsn := fmt.Sprintf("file:pipeline_test_%d?mode=memory&cache=shared", id)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	db.AutoMigrateDB(gdb)
	dao := db.NewKeeperSvcDB(gdb)
	return dao, ledger.NewLedger(dao)
}

func testPkHash(t *testing.T) types.PubkeyHash {
	pkHash, err := types.PubkeyHashFromString("ffeeddccbbaa99887766554433221100ffeeddcc")
	require.NoError(t, err)
	return pkHash
}

// sealAccount seals a one-account bootstrap block: the account is created and
// funded with token 0 balance at nonce zero, and optionally given a signing
// key so it can spend.
func sealAccount(t *testing.T, dao db.KeeperDao, address common.Address, balance int64, withKey bool) uint32 {
	latest, err := dao.GetLatestBlock()
	require.NoError(t, err)
	accountID, err := dao.GetNextAccountID()
	require.NoError(t, err)
	number := latest.Number + 1
	prevRoot := common.Hash{}
	if latest.Number > 0 {
		prevRoot = common.HexToHash(latest.RootHash)
	}

	updates := []types.OrderedUpdate{
		{UpdateOrderID: 0, Update: types.AccountCreate{AccountID: accountID, Address: address}},
		{UpdateOrderID: 1, Update: types.BalanceUpdate{
			AccountID:  accountID,
			TokenID:    0,
			OldBalance: new(big.Int),
			NewBalance: big.NewInt(balance),
		}},
	}
	if withKey {
		updates = append(updates, types.OrderedUpdate{UpdateOrderID: 2, Update: types.PubkeyUpdate{
			AccountID:     accountID,
			NewPubkeyHash: testPkHash(t),
		}})
	}

	root := ledger.ChainRootHash(prevRoot, number, updates)
	block := &db.Block{
		Number:                   number,
		RootHash:                 root.Hex(),
		BlockSize:                1,
		UnprocessedPriorOpBefore: latest.UnprocessedPriorOpAfter,
		UnprocessedPriorOpAfter:  latest.UnprocessedPriorOpAfter,
		Status:                   db.Sealed,
		SealedTime:               time.Now().Unix(),
	}
	require.NoError(t, dao.StoreSealedBlock(block, nil, nil, updates, nil))
	return accountID
}

func signedTransfer(t *testing.T, from common.Address, nonce uint32, to common.Address, amount, fee int64) *types.SignedTx {
	body, err := json.Marshal(types.Transfer{To: to, Token: 0, Amount: big.NewInt(amount), Fee: big.NewInt(fee)})
	require.NoError(t, err)
	return &types.SignedTx{Type: types.TxTypeTransfer, From: from, Nonce: nonce, Body: body}
}

func signedWithdraw(t *testing.T, from common.Address, nonce uint32, amount, fee int64) *types.SignedTx {
	body, err := json.Marshal(types.Withdraw{
		EthAddress: common.HexToAddress("0x00000000000000000000000000000000000000ee"),
		Token:      0,
		Amount:     big.NewInt(amount),
		Fee:        big.NewInt(fee),
	})
	require.NoError(t, err)
	return &types.SignedTx{Type: types.TxTypeWithdraw, From: from, Nonce: nonce, Body: body}
}

func signedChangePubKey(t *testing.T, from common.Address, nonce uint32, pkHash types.PubkeyHash, fee int64) *types.SignedTx {
	body, err := json.Marshal(types.ChangePubKey{NewPkHash: pkHash, Fee: big.NewInt(fee), FeeToken: 0})
	require.NoError(t, err)
	return &types.SignedTx{Type: types.TxTypeChangePubKey, From: from, Nonce: nonce, Body: body}
}

func TestExecutorTransferMovesBalanceAndCreatesRecipient(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	senderID := sealAccount(t, dao, sender, 1000, true)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)
	reason, err := exec.executeTx(signedTransfer(t, sender, 0, recipient, 200, 10))
	require.NoError(t, err)
	require.Empty(t, reason)

	senderState := exec.accounts[senderID]
	require.NotNil(t, senderState)
	assert.Equal(t, big.NewInt(790), senderState.Balance(0))
	assert.Equal(t, uint32(1), senderState.Nonce)

	recipientState, err := exec.loadByAddress(recipient)
	require.NoError(t, err)
	require.NotNil(t, recipientState)
	assert.Equal(t, senderID+1, recipientState.ID)
	assert.Equal(t, big.NewInt(200), recipientState.Balance(0))
	assert.Zero(t, recipientState.Nonce)

	// Debit, recipient creation, credit, in log order.
	require.Len(t, exec.updates, 3)
	debit, ok := exec.updates[0].Update.(types.BalanceUpdate)
	require.True(t, ok)
	assert.Equal(t, senderID, debit.AccountID)
	assert.Equal(t, big.NewInt(1000), debit.OldBalance)
	assert.Equal(t, big.NewInt(790), debit.NewBalance)
	create, ok := exec.updates[1].Update.(types.AccountCreate)
	require.True(t, ok)
	assert.Equal(t, recipient, create.Address)
	credit, ok := exec.updates[2].Update.(types.BalanceUpdate)
	require.True(t, ok)
	assert.Equal(t, recipientState.ID, credit.AccountID)
	for i, ou := range exec.updates {
		assert.Equal(t, uint32(i), ou.UpdateOrderID)
	}

	assert.Equal(t, big.NewInt(10), exec.collectedFees[0])
	require.NoError(t, exec.verifyReplay(2))
}

func TestExecutorRejectedTxLeavesNoUpdates(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	keyless := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	sealAccount(t, dao, sender, 1000, true)
	sealAccount(t, dao, keyless, 1000, false)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)

	tests := []struct {
		name string
		tx   *types.SignedTx
		want string
	}{
		{"unknown sender", signedTransfer(t, stranger, 0, recipient, 10, 0), "sender account does not exist"},
		{"no signing key", signedTransfer(t, keyless, 0, recipient, 10, 0), "signing key not set"},
		{"nonce mismatch", signedTransfer(t, sender, 7, recipient, 10, 0), "nonce mismatch: expected 0, got 7"},
		{"insufficient balance", signedTransfer(t, sender, 0, recipient, 995, 10), "insufficient balance"},
		{"withdraw without key", signedWithdraw(t, keyless, 0, 10, 0), "signing key not set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, err := exec.executeTx(tt.tx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reason)
		})
	}

	assert.Empty(t, exec.updates)
	assert.Zero(t, exec.accounts[1].Nonce)
	assert.Equal(t, big.NewInt(1000), exec.accounts[1].Balance(0))
}

func TestExecutorChangePubKey(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerID := sealAccount(t, dao, owner, 50, false)
	newKey, err := types.PubkeyHashFromString("00112233445566778899aabbccddeeff00112233")
	require.NoError(t, err)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)

	reason, err := exec.executeTx(signedChangePubKey(t, common.HexToAddress("0x00000000000000000000000000000000000000dd"), 0, newKey, 0))
	require.NoError(t, err)
	assert.Equal(t, "account does not exist", reason)
	reason, err = exec.executeTx(signedChangePubKey(t, owner, 3, newKey, 0))
	require.NoError(t, err)
	assert.Equal(t, "nonce mismatch: expected 0, got 3", reason)
	reason, err = exec.executeTx(signedChangePubKey(t, owner, 0, newKey, 80))
	require.NoError(t, err)
	assert.Equal(t, "insufficient balance for fee", reason)
	require.Empty(t, exec.updates)

	// Setting the first key needs no existing key, only the right nonce.
	reason, err = exec.executeTx(signedChangePubKey(t, owner, 0, newKey, 5))
	require.NoError(t, err)
	require.Empty(t, reason)

	state := exec.accounts[ownerID]
	assert.Equal(t, newKey, state.PubkeyHash)
	assert.Equal(t, uint32(1), state.Nonce)
	assert.Equal(t, big.NewInt(45), state.Balance(0))

	require.Len(t, exec.updates, 2)
	keyUpdate, ok := exec.updates[0].Update.(types.PubkeyUpdate)
	require.True(t, ok)
	assert.True(t, keyUpdate.OldPubkeyHash.IsZero())
	assert.Equal(t, newKey, keyUpdate.NewPubkeyHash)
	assert.Equal(t, uint32(1), keyUpdate.NewNonce)
	feeDebit, ok := exec.updates[1].Update.(types.BalanceUpdate)
	require.True(t, ok)
	assert.Equal(t, uint32(1), feeDebit.OldNonce)
	assert.Equal(t, uint32(1), feeDebit.NewNonce)

	require.NoError(t, exec.verifyReplay(2))
}

func TestExecutorWithdrawBurnsBalance(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	senderID := sealAccount(t, dao, sender, 500, true)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)
	reason, err := exec.executeTx(signedWithdraw(t, sender, 0, 300, 20))
	require.NoError(t, err)
	require.Empty(t, reason)

	state := exec.accounts[senderID]
	assert.Equal(t, big.NewInt(180), state.Balance(0))
	assert.Equal(t, uint32(1), state.Nonce)
	require.Len(t, exec.updates, 1)
	assert.Equal(t, big.NewInt(20), exec.collectedFees[0])

	// The withdrawn amount leaves the ledger entirely, only the fee returns.
	credited, err := exec.creditFees(senderID)
	require.NoError(t, err)
	assert.True(t, credited)
	assert.Equal(t, big.NewInt(200), state.Balance(0))
	require.NoError(t, exec.verifyReplay(2))
}

func TestExecutorPriorityOps(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	existing := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	fresh := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	existingID := sealAccount(t, dao, existing, 100, true)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)

	deposit, err := types.NewDepositOp(0, types.Deposit{To: fresh, Token: 0, Amount: big.NewInt(700)}, 5000, common.HexToHash("0x01"), 10)
	require.NoError(t, err)
	require.NoError(t, exec.executePriorityOp(deposit))

	freshState, err := exec.loadByAddress(fresh)
	require.NoError(t, err)
	require.NotNil(t, freshState)
	assert.Equal(t, existingID+1, freshState.ID)
	assert.Equal(t, big.NewInt(700), freshState.Balance(0))
	assert.Zero(t, freshState.Nonce)

	topUp, err := types.NewDepositOp(1, types.Deposit{To: existing, Token: 0, Amount: big.NewInt(50)}, 5000, common.HexToHash("0x02"), 11)
	require.NoError(t, err)
	require.NoError(t, exec.executePriorityOp(topUp))
	assert.Equal(t, big.NewInt(150), exec.accounts[existingID].Balance(0))
	assert.Zero(t, exec.accounts[existingID].Nonce)

	// A full exit whose address does not match the account has zero effect.
	mismatched, err := types.NewFullExitOp(2, types.FullExit{AccountID: existingID, EthAddress: fresh, Token: 0}, 5000, common.HexToHash("0x03"), 12)
	require.NoError(t, err)
	logLen := len(exec.updates)
	require.NoError(t, exec.executePriorityOp(mismatched))
	assert.Len(t, exec.updates, logLen)
	assert.Equal(t, big.NewInt(150), exec.accounts[existingID].Balance(0))

	unknownAccount, err := types.NewFullExitOp(3, types.FullExit{AccountID: 42, EthAddress: fresh, Token: 0}, 5000, common.HexToHash("0x04"), 13)
	require.NoError(t, err)
	require.NoError(t, exec.executePriorityOp(unknownAccount))
	assert.Len(t, exec.updates, logLen)

	matched, err := types.NewFullExitOp(4, types.FullExit{AccountID: existingID, EthAddress: existing, Token: 0}, 5000, common.HexToHash("0x05"), 14)
	require.NoError(t, err)
	require.NoError(t, exec.executePriorityOp(matched))
	assert.Zero(t, exec.accounts[existingID].Balance(0).Sign())
	assert.Zero(t, exec.accounts[existingID].Nonce)

	require.NoError(t, exec.verifyReplay(2))
}

func TestExecutorCreditFees(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	senderID := sealAccount(t, dao, sender, 1000, true)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)

	// No fees collected: nothing to credit, any fee account id is fine.
	credited, err := exec.creditFees(99)
	require.NoError(t, err)
	assert.True(t, credited)

	reason, err := exec.executeTx(signedTransfer(t, sender, 0, recipient, 200, 10))
	require.NoError(t, err)
	require.Empty(t, reason)
	logLen := len(exec.updates)

	// Fee account does not exist: the fee is burned, not credited.
	credited, err = exec.creditFees(99)
	require.NoError(t, err)
	assert.False(t, credited)
	assert.Len(t, exec.updates, logLen)

	credited, err = exec.creditFees(senderID)
	require.NoError(t, err)
	assert.True(t, credited)
	assert.Equal(t, big.NewInt(800), exec.accounts[senderID].Balance(0))
	require.NoError(t, exec.verifyReplay(2))
}

func TestExecutorVerifyReplayCatchesDivergence(t *testing.T) {
	dao, ldg := setupPipelineEnv(t)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	senderID := sealAccount(t, dao, sender, 1000, true)

	exec, err := newExecutor(dao, ldg)
	require.NoError(t, err)
	reason, err := exec.executeTx(signedWithdraw(t, sender, 0, 100, 0))
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NoError(t, exec.verifyReplay(2))

	// A logged balance the overlay never saw must fail the replay check.
	exec.pushUpdate(types.BalanceUpdate{
		AccountID:  senderID,
		TokenID:    0,
		OldBalance: big.NewInt(900),
		NewBalance: big.NewInt(123456),
		OldNonce:   1,
		NewNonce:   1,
	})
	err = exec.verifyReplay(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay balance")

	exec.updates = exec.updates[:len(exec.updates)-1]
	exec.pushUpdate(types.BalanceUpdate{
		AccountID:  77,
		TokenID:    0,
		OldBalance: new(big.Int),
		NewBalance: big.NewInt(5),
	})
	err = exec.verifyReplay(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay touched account 77")
}
