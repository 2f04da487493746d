package service

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/cache"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/ledger"
	"github.com/keeper-labs/rollup-keeper/types"
	"github.com/keeper-labs/rollup-keeper/util"
)

// AccountInfo is the queryable view of one account. Balances are keyed by
// token symbol and carried as decimal strings.
type AccountInfo struct {
	ID         uint32            `json:"id"`
	Address    string            `json:"address"`
	Nonce      uint32            `json:"nonce"`
	PubkeyHash string            `json:"pubkey_hash"`
	LastBlock  uint64            `json:"last_block"`
	Balances   map[string]string `json:"balances"`
}

type BlockInfo struct {
	Number                   uint64 `json:"number"`
	RootHash                 string `json:"root_hash"`
	Status                   string `json:"status"`
	BlockSize                int    `json:"block_size"`
	UnprocessedPriorOpBefore uint64 `json:"unprocessed_prior_op_before"`
	UnprocessedPriorOpAfter  uint64 `json:"unprocessed_prior_op_after"`
	SealedTime               int64  `json:"sealed_time"`
}

type TxInfo struct {
	TxHash      string `json:"tx_hash"`
	TxType      string `json:"tx_type"`
	BlockNumber uint64 `json:"block_number"`
	BlockIndex  int    `json:"block_index"`
	From        string `json:"from"`
	Nonce       uint32 `json:"nonce"`
	Success     bool   `json:"success"`
	FailReason  string `json:"fail_reason,omitempty"`
}

type TokenInfo struct {
	ID      uint16 `json:"id"`
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

// ChainStatus summarizes how far the node has progressed on every front.
type ChainStatus struct {
	LatestBlock           uint64 `json:"latest_block"`
	LatestBlockStatus     string `json:"latest_block_status"`
	AccountCount          int64  `json:"account_count"`
	ExecutedTxCount       int64  `json:"executed_tx_count"`
	MempoolSize           int64  `json:"mempool_size"`
	PriorityOpCount       int64  `json:"priority_op_count"`
	LastWatchedEthBlock   uint64 `json:"last_watched_eth_block"`
	NextEthNonce          uint64 `json:"next_eth_nonce"`
	CommittedOperations   uint64 `json:"committed_operations"`
	VerifiedOperations    uint64 `json:"verified_operations"`
	WithdrawalsOperations uint64 `json:"withdrawals_operations"`
	GasPriceLimitWei      string `json:"gas_price_limit_wei"`
}

type Keeper interface {
	GetAccount(address string) (*AccountInfo, error)
	GetAccountByID(accountID uint32) (*AccountInfo, error)
	GetBlock(blockNumber uint64) (*BlockInfo, error)
	GetBlockTxs(blockNumber uint64) ([]*TxInfo, error)
	GetTx(txHash string) (*TxInfo, error)
	GetToken(tokenID uint16) (*TokenInfo, error)
	GetTokens() ([]*TokenInfo, error)
	GetChainStatus() (*ChainStatus, error)
}

type KeeperService struct {
	keeperDao    db.KeeperDao
	stateLedger  *ledger.Ledger
	cacheService cache.Cache
}

func NewKeeperService(keeperDao db.KeeperDao, stateLedger *ledger.Ledger, cacheService cache.Cache) Keeper {
	return &KeeperService{
		keeperDao:    keeperDao,
		stateLedger:  stateLedger,
		cacheService: cacheService,
	}
}

// GetAccount returns the projected state for an address. Account state
// changes with every sealed block, so it is never cached.
func (s *KeeperService) GetAccount(address string) (*AccountInfo, error) {
	if !common.IsHexAddress(address) {
		return nil, ErrAccountNotFound.Enrich("invalid address")
	}
	state, err := s.stateLedger.GetAccountStateByAddress(common.HexToAddress(address))
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, ErrInternal.Enrich(err.Error())
	}
	return s.toAccountInfo(state)
}

func (s *KeeperService) GetAccountByID(accountID uint32) (*AccountInfo, error) {
	state, err := s.stateLedger.GetAccountState(accountID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, ErrInternal.Enrich(err.Error())
	}
	return s.toAccountInfo(state)
}

// GetBlock caches only verified blocks; earlier statuses still advance.
func (s *KeeperService) GetBlock(blockNumber uint64) (*BlockInfo, error) {
	key := types.BlockCacheKey(blockNumber)
	if cached, found := s.cacheService.Get(key); found {
		return cached.(*BlockInfo), nil
	}
	block, err := s.keeperDao.GetBlock(blockNumber)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrBlockNotFound
		}
		return nil, ErrInternal.Enrich(err.Error())
	}
	info := &BlockInfo{
		Number:                   block.Number,
		RootHash:                 block.RootHash,
		Status:                   block.Status.String(),
		BlockSize:                block.BlockSize,
		UnprocessedPriorOpBefore: block.UnprocessedPriorOpBefore,
		UnprocessedPriorOpAfter:  block.UnprocessedPriorOpAfter,
		SealedTime:               block.SealedTime,
	}
	if block.Status == db.Verified {
		s.cacheService.Set(key, info)
	}
	return info, nil
}

func (s *KeeperService) GetBlockTxs(blockNumber uint64) ([]*TxInfo, error) {
	if _, err := s.GetBlock(blockNumber); err != nil {
		return nil, err
	}
	txs, err := s.keeperDao.GetBlockTxs(blockNumber)
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	infos := make([]*TxInfo, 0, len(txs))
	for _, tx := range txs {
		infos = append(infos, toTxInfo(tx))
	}
	return infos, nil
}

func (s *KeeperService) GetTx(txHash string) (*TxInfo, error) {
	tx, err := s.keeperDao.GetExecutedTxByHash(txHash)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrTxNotFound
		}
		return nil, ErrInternal.Enrich(err.Error())
	}
	return toTxInfo(tx), nil
}

// GetToken caches unconditionally, the token registry is append only.
func (s *KeeperService) GetToken(tokenID uint16) (*TokenInfo, error) {
	key := types.TokenCacheKey(tokenID)
	if cached, found := s.cacheService.Get(key); found {
		return cached.(*TokenInfo), nil
	}
	token, err := s.keeperDao.GetToken(tokenID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrTokenNotFound
		}
		return nil, ErrInternal.Enrich(err.Error())
	}
	info := &TokenInfo{ID: token.Id, Address: token.Address, Symbol: token.Symbol}
	s.cacheService.Set(key, info)
	return info, nil
}

func (s *KeeperService) GetTokens() ([]*TokenInfo, error) {
	tokens, err := s.keeperDao.GetTokens()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	infos := make([]*TokenInfo, 0, len(tokens))
	for _, token := range tokens {
		infos = append(infos, &TokenInfo{ID: token.Id, Address: token.Address, Symbol: token.Symbol})
	}
	return infos, nil
}

func (s *KeeperService) GetChainStatus() (*ChainStatus, error) {
	latest, err := s.keeperDao.GetLatestBlock()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	accountCount, err := s.keeperDao.GetAccountCount()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	txCount, err := s.keeperDao.GetExecutedTxCount()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	mempoolSize, err := s.keeperDao.GetMempoolTxCount()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	priorityOpCount, err := s.keeperDao.GetPriorityOpCount()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	watched, err := s.keeperDao.GetLastWatchedBlock()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	nonce, err := s.keeperDao.GetEthNonce()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	stats, err := s.keeperDao.GetEthStats()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	gasPriceLimit, err := s.keeperDao.GetGasPriceLimit()
	if err != nil {
		return nil, ErrInternal.Enrich(err.Error())
	}
	return &ChainStatus{
		LatestBlock:           latest.Number,
		LatestBlockStatus:     latest.Status.String(),
		AccountCount:          accountCount,
		ExecutedTxCount:       txCount,
		MempoolSize:           mempoolSize,
		PriorityOpCount:       priorityOpCount,
		LastWatchedEthBlock:   watched.BlockNumber,
		NextEthNonce:          nonce,
		CommittedOperations:   stats.CommitOps,
		VerifiedOperations:    stats.VerifyOps,
		WithdrawalsOperations: stats.WithdrawOps,
		GasPriceLimitWei:      util.BigIntToString(gasPriceLimit),
	}, nil
}

func (s *KeeperService) toAccountInfo(state *types.AccountState) (*AccountInfo, error) {
	balances := make(map[string]string, len(state.Balances))
	for tokenID, amount := range state.Balances {
		symbol := fmt.Sprintf("token-%d", tokenID)
		token, err := s.GetToken(tokenID)
		switch {
		case err == nil:
			symbol = token.Symbol
		case err == ErrTokenNotFound:
			// keep the numeric placeholder for unregistered tokens
		default:
			return nil, err
		}
		balances[symbol] = util.BigIntToString(amount)
	}
	return &AccountInfo{
		ID:         state.ID,
		Address:    state.Address.Hex(),
		Nonce:      state.Nonce,
		PubkeyHash: state.PubkeyHash.String(),
		LastBlock:  state.LastBlock,
		Balances:   balances,
	}, nil
}

func toTxInfo(tx *db.ExecutedTransaction) *TxInfo {
	return &TxInfo{
		TxHash:      tx.TxHash,
		TxType:      tx.TxType,
		BlockNumber: tx.BlockNumber,
		BlockIndex:  tx.BlockIndex,
		From:        tx.FromAddress,
		Nonce:       tx.Nonce,
		Success:     tx.Success,
		FailReason:  tx.FailReason,
	}
}
