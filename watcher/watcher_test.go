package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/types"
)

var testDBSeq int64

const testContract = "0x00000000000000000000000000000000000000cf"

// fakeL1 models a small chain: headers linked by parent hash, priority
// request logs attached to blocks. Reorgs regrow a suffix with a different
// seed byte so the replacement headers hash differently.
type fakeL1 struct {
	confirmations uint64
	head          uint64
	headers       map[uint64]*ethtypes.Header
	logs          []ethtypes.Log
}

func newFakeL1(confirmations uint64) *fakeL1 {
	return &fakeL1{confirmations: confirmations, headers: make(map[uint64]*ethtypes.Header)}
}

func (f *fakeL1) extendChain(newHead uint64, seed byte) {
	parent := common.Hash{}
	if f.head > 0 {
		parent = f.headers[f.head].Hash()
	}
	for number := f.head + 1; number <= newHead; number++ {
		header := &ethtypes.Header{
			ParentHash: parent,
			Number:     new(big.Int).SetUint64(number),
			Difficulty: big.NewInt(1),
			GasLimit:   30000000,
			Time:       number * 12,
			Extra:      []byte{seed},
		}
		f.headers[number] = header
		parent = header.Hash()
	}
	f.head = newHead
}

// reorgChain rewinds to the ancestor, drops the logs of the orphaned
// blocks, and grows a replacement branch.
func (f *fakeL1) reorgChain(ancestor, newHead uint64, seed byte) {
	for number := ancestor + 1; number <= f.head; number++ {
		delete(f.headers, number)
	}
	kept := make([]ethtypes.Log, 0, len(f.logs))
	for _, log := range f.logs {
		if log.BlockNumber <= ancestor {
			kept = append(kept, log)
		}
	}
	f.logs = kept
	f.head = ancestor
	f.extendChain(newHead, seed)
}

func (f *fakeL1) addPriorityLog(t *testing.T, blockNumber, serialID uint64, opType uint8, deadline uint64, payload []byte) {
	data, err := priorityRequestABI.Events["PriorityRequest"].Inputs.NonIndexed().Pack(opType, new(big.Int).SetUint64(deadline), payload)
	require.NoError(t, err)
	f.logs = append(f.logs, ethtypes.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{priorityRequestTopic, common.BigToHash(new(big.Int).SetUint64(serialID))},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(0xabc000 + serialID*256 + blockNumber)),
	})
}

func (f *fakeL1) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeL1) GetConfirmedBlockNumber(ctx context.Context) (uint64, error) {
	if f.head <= f.confirmations {
		return 0, nil
	}
	return f.head - f.confirmations, nil
}

func (f *fakeL1) GetBlockHeader(ctx context.Context, height uint64) (*ethtypes.Header, error) {
	header, ok := f.headers[height]
	if !ok {
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (f *fakeL1) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1000000000), nil
}

func (f *fakeL1) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("not supported")
}

func (f *fakeL1) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeL1) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	matched := make([]ethtypes.Log, 0)
	for _, log := range f.logs {
		if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		matched = append(matched, log)
	}
	return matched, nil
}

func (f *fakeL1) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func setupWatcher(t *testing.T, fake *fakeL1, startBlock, journalDepth uint64) (*Watcher, db.KeeperDao) {
	id := atomic.AddInt64(&testDBSeq, 1)
	dsn := fmt.Sprintf("file:watcher_test_%d?mode=memory&cache=shared", id)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	db.AutoMigrateDB(gdb)
	dao := db.NewKeeperSvcDB(gdb)

	chainCfg := &config.ChainConfig{
		RPCAddrs:           []string{"http://127.0.0.1:8545"},
		ChainID:            1337,
		ContractAddress:    testContract,
		ConfirmationBlocks: fake.confirmations,
		StartBlock:         startBlock,
	}
	cfg := &config.WatcherConfig{
		PollIntervalSec:    1,
		MaxBlocksPerScan:   100,
		HeaderJournalDepth: journalDepth,
	}
	return NewWatcher(dao, fake, chainCfg, cfg), dao
}

func depositPayload(t *testing.T, amount int64) []byte {
	payload, err := json.Marshal(types.Deposit{
		To:     common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Token:  0,
		Amount: big.NewInt(amount),
	})
	require.NoError(t, err)
	return payload
}

func fullExitPayload(t *testing.T, accountID uint32) []byte {
	payload, err := json.Marshal(types.FullExit{
		AccountID:  accountID,
		EthAddress: common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		Token:      0,
	})
	require.NoError(t, err)
	return payload
}

func TestScanOnceIngestsPriorityRequests(t *testing.T) {
	fake := newFakeL1(2)
	fake.extendChain(12, 'a')
	deposit := depositPayload(t, 500)
	fake.addPriorityLog(t, 5, 0, 1, 5000, deposit)
	fake.addPriorityLog(t, 7, 1, 2, 5100, fullExitPayload(t, 3))

	w, dao := setupWatcher(t, fake, 1, 20)
	require.NoError(t, w.ScanOnce(context.Background()))

	checkpoint, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.BlockNumber)
	assert.Equal(t, fake.headers[10].Hash().Hex(), checkpoint.BlockHash)

	ops, err := dao.GetUnconsumedPriorityOps(10)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(0), ops[0].SerialID)
	assert.Equal(t, string(types.PriorityOpDeposit), ops[0].OpType)
	assert.Equal(t, string(deposit), ops[0].Data)
	assert.Equal(t, uint64(5000), ops[0].DeadlineBlock)
	assert.Equal(t, uint64(5), ops[0].EthBlock)
	assert.Equal(t, uint64(1), ops[1].SerialID)
	assert.Equal(t, string(types.PriorityOpFullExit), ops[1].OpType)
	assert.Equal(t, uint64(7), ops[1].EthBlock)

	header, err := dao.GetWatchedHeader(10)
	require.NoError(t, err)
	assert.Equal(t, fake.headers[10].Hash().Hex(), header.BlockHash)
	_, err = dao.GetWatchedHeader(1)
	require.NoError(t, err)

	// No new confirmed blocks, a rescan changes nothing.
	require.NoError(t, w.ScanOnce(context.Background()))
	checkpoint, err = dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.BlockNumber)
	count, err := dao.GetPriorityOpCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// The chain grows past the checkpoint and emits another request.
	fake.extendChain(14, 'a')
	fake.addPriorityLog(t, 11, 2, 1, 5200, depositPayload(t, 40))
	require.NoError(t, w.ScanOnce(context.Background()))
	checkpoint, err = dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), checkpoint.BlockNumber)
	count, err = dao.GetPriorityOpCount()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestScanOnceStartsAtConfiguredStartBlock(t *testing.T) {
	fake := newFakeL1(2)
	fake.extendChain(12, 'a')
	fake.addPriorityLog(t, 3, 5, 1, 5000, depositPayload(t, 10))
	fake.addPriorityLog(t, 6, 0, 1, 5000, depositPayload(t, 20))

	w, dao := setupWatcher(t, fake, 5, 20)
	require.NoError(t, w.ScanOnce(context.Background()))

	checkpoint, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.BlockNumber)

	ops, err := dao.GetUnconsumedPriorityOps(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, uint64(0), ops[0].SerialID)
	assert.Equal(t, uint64(6), ops[0].EthBlock)
}

func TestScanOnceHaltsAtUndecodableEvent(t *testing.T) {
	fake := newFakeL1(2)
	fake.extendChain(12, 'a')
	fake.addPriorityLog(t, 5, 0, 1, 5000, depositPayload(t, 500))
	// Garbage ABI data at block 6.
	poisoned := ethtypes.Log{
		Address:     common.HexToAddress(testContract),
		Topics:      []common.Hash{priorityRequestTopic, common.BigToHash(big.NewInt(1))},
		Data:        []byte{0x01, 0x02, 0x03},
		BlockNumber: 6,
		TxHash:      common.BigToHash(big.NewInt(0xdead01)),
	}
	fake.logs = append(fake.logs, poisoned)
	fake.addPriorityLog(t, 8, 1, 1, 5100, depositPayload(t, 40))

	w, dao := setupWatcher(t, fake, 1, 20)

	// The scan ingests the clean prefix and stops in front of the bad
	// event; the request behind it stays out of the database.
	err := w.ScanOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan halted at block 6")

	checkpoint, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checkpoint.BlockNumber)
	count, err := dao.GetPriorityOpCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Every following tick re-hits the same event without moving state.
	err = w.ScanOnce(context.Background())
	require.Error(t, err)
	checkpoint, err = dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checkpoint.BlockNumber)

	// With the corrupted event gone the scan resumes past the wedge point.
	kept := make([]ethtypes.Log, 0, len(fake.logs))
	for _, log := range fake.logs {
		if log.TxHash != poisoned.TxHash {
			kept = append(kept, log)
		}
	}
	fake.logs = kept
	require.NoError(t, w.ScanOnce(context.Background()))
	checkpoint, err = dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.BlockNumber)
	op, err := dao.GetPriorityOp(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), op.EthBlock)
}

func TestScanOnceHaltsOnInvalidPayload(t *testing.T) {
	cases := []struct {
		name    string
		opType  uint8
		payload []byte
	}{
		{"malformed payload", 1, []byte("not-json")},
		{"unknown op type", 9, depositPayload(t, 500)},
		{"negative deposit amount", 1, depositPayload(t, -5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeL1(2)
			fake.extendChain(12, 'a')
			fake.addPriorityLog(t, 5, 0, 1, 5000, depositPayload(t, 500))
			fake.addPriorityLog(t, 7, 1, tc.opType, 5000, tc.payload)

			w, dao := setupWatcher(t, fake, 1, 20)
			err := w.ScanOnce(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "scan halted at block 7")

			checkpoint, err := dao.GetLastWatchedBlock()
			require.NoError(t, err)
			assert.Equal(t, uint64(6), checkpoint.BlockNumber)
			count, err := dao.GetPriorityOpCount()
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestScanOnceDetectsReorgAndResumes(t *testing.T) {
	fake := newFakeL1(2)
	fake.extendChain(12, 'a')
	deposit := depositPayload(t, 500)
	fake.addPriorityLog(t, 9, 0, 1, 5000, deposit)

	w, dao := setupWatcher(t, fake, 1, 20)
	require.NoError(t, w.ScanOnce(context.Background()))

	op, err := dao.GetPriorityOp(0)
	require.NoError(t, err)
	oldHash := op.EthHash

	// L1 rewinds to block 8 and grows a different branch. The deposit
	// lands one block later with a different transaction hash.
	fake.reorgChain(8, 13, 'b')
	fake.addPriorityLog(t, 10, 0, 1, 5000, deposit)

	err = w.ScanOnce(context.Background())
	require.ErrorIs(t, err, ErrReorgDetected)

	checkpoint, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), checkpoint.BlockNumber)
	assert.Equal(t, fake.headers[8].Hash().Hex(), checkpoint.BlockHash)
	_, err = dao.GetPriorityOp(0)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// The next scan walks the replacement branch and re-ingests the op.
	require.NoError(t, w.ScanOnce(context.Background()))
	checkpoint, err = dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), checkpoint.BlockNumber)

	op, err = dao.GetPriorityOp(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), op.EthBlock)
	assert.NotEqual(t, oldHash, op.EthHash)
}

func TestScanOnceRefusesReorgPastJournal(t *testing.T) {
	fake := newFakeL1(2)
	fake.extendChain(12, 'a')

	w, dao := setupWatcher(t, fake, 1, 3)
	require.NoError(t, w.ScanOnce(context.Background()))

	// The journal only holds blocks 8..10, a reorg from block 5 has no
	// recorded ancestor to roll back to.
	fake.reorgChain(5, 13, 'b')

	err := w.ScanOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReorgDetected)
	assert.Contains(t, err.Error(), "manual resync required")

	checkpoint, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), checkpoint.BlockNumber)
}
