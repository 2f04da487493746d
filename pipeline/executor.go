package pipeline

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/ledger"
	"github.com/keeper-labs/rollup-keeper/types"
)

// executor runs one block's worth of operations against an in-memory
// overlay of the account projection and collects the ordered update log the
// block will persist. Nothing touches the database until the block seals.
type executor struct {
	keeperDao db.KeeperDao
	ledger    *ledger.Ledger

	accounts      map[uint32]*types.AccountState
	byAddress     map[common.Address]uint32
	nextAccountID uint32

	updates       []types.OrderedUpdate
	nextOrderID   uint32
	collectedFees map[uint16]*big.Int
	feeTokens     []uint16
}

func newExecutor(keeperDao db.KeeperDao, ldg *ledger.Ledger) (*executor, error) {
	nextAccountID, err := keeperDao.GetNextAccountID()
	if err != nil {
		return nil, err
	}
	return &executor{
		keeperDao:     keeperDao,
		ledger:        ldg,
		accounts:      make(map[uint32]*types.AccountState),
		byAddress:     make(map[common.Address]uint32),
		nextAccountID: nextAccountID,
		updates:       make([]types.OrderedUpdate, 0),
		collectedFees: make(map[uint16]*big.Int),
		feeTokens:     make([]uint16, 0),
	}, nil
}

func (e *executor) loadByID(accountID uint32) (*types.AccountState, error) {
	if state, ok := e.accounts[accountID]; ok {
		return state, nil
	}
	state, err := e.ledger.GetAccountState(accountID)
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.accounts[accountID] = state
	e.byAddress[state.Address] = accountID
	return state, nil
}

func (e *executor) loadByAddress(address common.Address) (*types.AccountState, error) {
	if accountID, ok := e.byAddress[address]; ok {
		return e.accounts[accountID], nil
	}
	state, err := e.ledger.GetAccountStateByAddress(address)
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.accounts[state.ID] = state
	e.byAddress[address] = state.ID
	return state, nil
}

func (e *executor) pushUpdate(update types.AccountUpdate) {
	e.updates = append(e.updates, types.OrderedUpdate{UpdateOrderID: e.nextOrderID, Update: update})
	e.nextOrderID++
}

func (e *executor) createAccount(address common.Address) *types.AccountState {
	state := &types.AccountState{
		ID:       e.nextAccountID,
		Address:  address,
		Nonce:    0,
		Balances: make(map[uint16]*big.Int),
	}
	e.nextAccountID++
	e.accounts[state.ID] = state
	e.byAddress[address] = state.ID
	e.pushUpdate(types.AccountCreate{AccountID: state.ID, Address: address})
	return state
}

func (e *executor) setBalance(state *types.AccountState, tokenID uint16, newBalance *big.Int, newNonce uint32) {
	e.pushUpdate(types.BalanceUpdate{
		AccountID:  state.ID,
		TokenID:    tokenID,
		OldBalance: new(big.Int).Set(state.Balance(tokenID)),
		NewBalance: new(big.Int).Set(newBalance),
		OldNonce:   state.Nonce,
		NewNonce:   newNonce,
	})
	state.Balances[tokenID] = new(big.Int).Set(newBalance)
	state.Nonce = newNonce
}

func (e *executor) collectFee(tokenID uint16, fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	if _, ok := e.collectedFees[tokenID]; !ok {
		e.collectedFees[tokenID] = new(big.Int)
		e.feeTokens = append(e.feeTokens, tokenID)
	}
	e.collectedFees[tokenID].Add(e.collectedFees[tokenID], fee)
}

// executeTx applies one mempool transaction. The string result is the fail
// reason of a rejected transaction; rejected transactions leave no updates.
// A non-nil error is infrastructure failure and aborts the whole block.
func (e *executor) executeTx(tx *types.SignedTx) (string, error) {
	switch tx.Type {
	case types.TxTypeTransfer:
		return e.executeTransfer(tx)
	case types.TxTypeWithdraw:
		return e.executeWithdraw(tx)
	case types.TxTypeChangePubKey:
		return e.executeChangePubKey(tx)
	}
	return fmt.Sprintf("unknown tx type %s", tx.Type), nil
}

func (e *executor) executeTransfer(tx *types.SignedTx) (string, error) {
	transfer, err := tx.AsTransfer()
	if err != nil {
		return err.Error(), nil
	}
	sender, err := e.loadByAddress(tx.From)
	if err != nil {
		return "", err
	}
	if sender == nil {
		return "sender account does not exist", nil
	}
	if reason := checkSpend(sender, tx.Nonce, transfer.Token, transfer.Amount, transfer.Fee); reason != "" {
		return reason, nil
	}

	newBalance := new(big.Int).Sub(sender.Balance(transfer.Token), new(big.Int).Add(transfer.Amount, transfer.Fee))
	e.setBalance(sender, transfer.Token, newBalance, sender.Nonce+1)

	recipient, err := e.loadByAddress(transfer.To)
	if err != nil {
		return "", err
	}
	if recipient == nil {
		recipient = e.createAccount(transfer.To)
	}
	credited := new(big.Int).Add(recipient.Balance(transfer.Token), transfer.Amount)
	e.setBalance(recipient, transfer.Token, credited, recipient.Nonce)

	e.collectFee(transfer.Token, transfer.Fee)
	return "", nil
}

func (e *executor) executeWithdraw(tx *types.SignedTx) (string, error) {
	withdraw, err := tx.AsWithdraw()
	if err != nil {
		return err.Error(), nil
	}
	sender, err := e.loadByAddress(tx.From)
	if err != nil {
		return "", err
	}
	if sender == nil {
		return "sender account does not exist", nil
	}
	if reason := checkSpend(sender, tx.Nonce, withdraw.Token, withdraw.Amount, withdraw.Fee); reason != "" {
		return reason, nil
	}

	newBalance := new(big.Int).Sub(sender.Balance(withdraw.Token), new(big.Int).Add(withdraw.Amount, withdraw.Fee))
	e.setBalance(sender, withdraw.Token, newBalance, sender.Nonce+1)
	e.collectFee(withdraw.Token, withdraw.Fee)
	return "", nil
}

func (e *executor) executeChangePubKey(tx *types.SignedTx) (string, error) {
	change, err := tx.AsChangePubKey()
	if err != nil {
		return err.Error(), nil
	}
	account, err := e.loadByAddress(tx.From)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "account does not exist", nil
	}
	if tx.Nonce != account.Nonce {
		return fmt.Sprintf("nonce mismatch: expected %d, got %d", account.Nonce, tx.Nonce), nil
	}
	if change.Fee.Sign() > 0 {
		if account.Balance(change.FeeToken).Cmp(change.Fee) < 0 {
			return "insufficient balance for fee", nil
		}
	}

	e.pushUpdate(types.PubkeyUpdate{
		AccountID:     account.ID,
		OldPubkeyHash: account.PubkeyHash,
		NewPubkeyHash: change.NewPkHash,
		OldNonce:      account.Nonce,
		NewNonce:      account.Nonce + 1,
	})
	account.PubkeyHash = change.NewPkHash
	account.Nonce = account.Nonce + 1

	if change.Fee.Sign() > 0 {
		newBalance := new(big.Int).Sub(account.Balance(change.FeeToken), change.Fee)
		e.setBalance(account, change.FeeToken, newBalance, account.Nonce)
		e.collectFee(change.FeeToken, change.Fee)
	}
	return "", nil
}

// executePriorityOp applies one L1-initiated operation. Priority ops are
// always consumed; an op whose target is invalid simply has zero effect,
// the inclusion obligation is still met.
func (e *executor) executePriorityOp(op *types.PriorityOp) error {
	switch op.Type {
	case types.PriorityOpDeposit:
		deposit, err := op.AsDeposit()
		if err != nil {
			return err
		}
		account, err := e.loadByAddress(deposit.To)
		if err != nil {
			return err
		}
		if account == nil {
			account = e.createAccount(deposit.To)
		}
		credited := new(big.Int).Add(account.Balance(deposit.Token), deposit.Amount)
		e.setBalance(account, deposit.Token, credited, account.Nonce)
		return nil
	case types.PriorityOpFullExit:
		fullExit, err := op.AsFullExit()
		if err != nil {
			return err
		}
		account, err := e.loadByID(fullExit.AccountID)
		if err != nil {
			return err
		}
		if account == nil || account.Address != fullExit.EthAddress {
			return nil
		}
		e.setBalance(account, fullExit.Token, new(big.Int), account.Nonce)
		return nil
	}
	return fmt.Errorf("unknown priority op type %s", op.Type)
}

// creditFees pays the collected block fees to the fee account, in stable
// token order. Fees collected before the fee account exists are burned.
func (e *executor) creditFees(feeAccountID uint32) (bool, error) {
	if len(e.feeTokens) == 0 {
		return true, nil
	}
	feeAccount, err := e.loadByID(feeAccountID)
	if err != nil {
		return false, err
	}
	if feeAccount == nil {
		return false, nil
	}
	for _, tokenID := range e.feeTokens {
		credited := new(big.Int).Add(feeAccount.Balance(tokenID), e.collectedFees[tokenID])
		e.setBalance(feeAccount, tokenID, credited, feeAccount.Nonce)
	}
	return true, nil
}

// verifyReplay folds the collected update log into a fresh delta and checks
// it lands on exactly the overlay state, account by account. A mismatch
// means execution and replay disagree and the block must not seal.
func (e *executor) verifyReplay(blockNumber uint64) error {
	delta := types.NewAccountStateDelta(blockNumber)
	for _, ou := range e.updates {
		delta.Apply(ou.Update)
	}
	for accountID, address := range delta.CreatedAccounts {
		state, ok := e.accounts[accountID]
		if !ok || state.Address != address {
			return fmt.Errorf("replay created account %d at %s, execution did not", accountID, address.Hex())
		}
	}
	for accountID, nonce := range delta.Nonces {
		state, ok := e.accounts[accountID]
		if !ok {
			return fmt.Errorf("replay touched account %d, execution did not", accountID)
		}
		if state.Nonce != nonce {
			return fmt.Errorf("replay nonce %d for account %d, execution has %d", nonce, accountID, state.Nonce)
		}
	}
	for accountID, balances := range delta.Balances {
		state, ok := e.accounts[accountID]
		if !ok {
			return fmt.Errorf("replay touched account %d, execution did not", accountID)
		}
		for tokenID, amount := range balances {
			if state.Balance(tokenID).Cmp(amount) != 0 {
				return fmt.Errorf("replay balance %s for account %d token %d, execution has %s",
					amount.String(), accountID, tokenID, state.Balance(tokenID).String())
			}
		}
	}
	for accountID, pubkeyHash := range delta.PubkeyHashes {
		state, ok := e.accounts[accountID]
		if !ok || state.PubkeyHash != pubkeyHash {
			return fmt.Errorf("replay pubkey hash mismatch for account %d", accountID)
		}
	}
	return nil
}

func checkSpend(sender *types.AccountState, txNonce uint32, tokenID uint16, amount *big.Int, fee *big.Int) string {
	if sender.PubkeyHash.IsZero() {
		return "signing key not set"
	}
	if txNonce != sender.Nonce {
		return fmt.Sprintf("nonce mismatch: expected %d, got %d", sender.Nonce, txNonce)
	}
	total := new(big.Int).Add(amount, fee)
	if sender.Balance(tokenID).Cmp(total) < 0 {
		return "insufficient balance"
	}
	return ""
}
