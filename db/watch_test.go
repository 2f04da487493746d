package db

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/types"
)

func testHeader(number uint64) *WatchedBlockHeader {
	return &WatchedBlockHeader{
		BlockNumber: number,
		BlockHash:   fmt.Sprintf("0x%064x", number),
		ParentHash:  fmt.Sprintf("0x%064x", number-1),
	}
}

func TestUpdateWatchedProgressAdvancesCheckpoint(t *testing.T) {
	dao := setupTestDao(t)

	headers := []*WatchedBlockHeader{testHeader(95), testHeader(96)}
	ops := []*ExecutedPriorityOperation{{
		SerialID: 0, OpType: string(types.PriorityOpDeposit), Data: "{}",
		DeadlineBlock: 2000, EthHash: "0xaaa", EthBlock: 95, CreatedTime: time.Now().Unix(),
	}}
	require.NoError(t, dao.UpdateWatchedProgress(96, headers[1].BlockHash, headers, ops, 64))

	watched, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(96), watched.BlockNumber)
	assert.Equal(t, headers[1].BlockHash, watched.BlockHash)

	op, err := dao.GetPriorityOp(0)
	require.NoError(t, err)
	assert.Zero(t, op.BlockNumber)

	// rescanning the same range after a crash changes nothing
	require.NoError(t, dao.UpdateWatchedProgress(96, headers[1].BlockHash, headers, ops, 64))
	count, err := dao.GetPriorityOpCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpdateWatchedProgressPrunesJournal(t *testing.T) {
	dao := setupTestDao(t)

	headers := make([]*WatchedBlockHeader, 0, 6)
	for number := uint64(10); number <= 15; number++ {
		headers = append(headers, testHeader(number))
	}
	require.NoError(t, dao.UpdateWatchedProgress(15, headers[5].BlockHash, headers, nil, 3))

	// only numbers >= 15-3 survive
	_, err := dao.GetWatchedHeader(10)
	assert.Equal(t, gorm.ErrRecordNotFound, err)
	_, err = dao.GetWatchedHeader(11)
	assert.Equal(t, gorm.ErrRecordNotFound, err)
	for number := uint64(12); number <= 15; number++ {
		header, err := dao.GetWatchedHeader(number)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("0x%064x", number), header.BlockHash)
	}
}

func TestRollbackWatchedBlocksDropsReorgedSuffix(t *testing.T) {
	dao := setupTestDao(t)

	headers := make([]*WatchedBlockHeader, 0, 11)
	for number := uint64(90); number <= 100; number++ {
		headers = append(headers, testHeader(number))
	}
	ops := []*ExecutedPriorityOperation{
		{SerialID: 0, OpType: string(types.PriorityOpDeposit), Data: "{}",
			DeadlineBlock: 2000, EthHash: "0xaaa", EthBlock: 95, CreatedTime: time.Now().Unix()},
		{SerialID: 1, OpType: string(types.PriorityOpDeposit), Data: "{}",
			DeadlineBlock: 2000, EthHash: "0xbbb", EthBlock: 98, CreatedTime: time.Now().Unix()},
	}
	require.NoError(t, dao.UpdateWatchedProgress(100, headers[10].BlockHash, headers, ops, 64))

	// blocks 95..100 reorged away; 94 is the common ancestor
	require.NoError(t, dao.RollbackWatchedBlocks(94, fmt.Sprintf("0x%064x", 94)))

	watched, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(94), watched.BlockNumber)

	_, err = dao.GetPriorityOp(0)
	assert.Equal(t, gorm.ErrRecordNotFound, err)
	_, err = dao.GetPriorityOp(1)
	assert.Equal(t, gorm.ErrRecordNotFound, err)
	_, err = dao.GetWatchedHeader(95)
	assert.Equal(t, gorm.ErrRecordNotFound, err)
	header, err := dao.GetWatchedHeader(94)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("0x%064x", 94), header.BlockHash)

	// the rescan of the revised chain ingests the revised op cleanly
	revised := []*ExecutedPriorityOperation{{
		SerialID: 0, OpType: string(types.PriorityOpDeposit), Data: `{"revised":true}`,
		DeadlineBlock: 2000, EthHash: "0xccc", EthBlock: 95, CreatedTime: time.Now().Unix(),
	}}
	require.NoError(t, dao.UpdateWatchedProgress(95, "0xrevised95", []*WatchedBlockHeader{
		{BlockNumber: 95, BlockHash: "0xrevised95", ParentHash: fmt.Sprintf("0x%064x", 94)},
	}, revised, 64))
	op, err := dao.GetPriorityOp(0)
	require.NoError(t, err)
	assert.Equal(t, "0xccc", op.EthHash)
}

func TestRollbackRefusesToOrphanConsumedOps(t *testing.T) {
	dao := setupTestDao(t)
	seedPriorityOps(t, dao, 98, 0)

	block := &Block{
		Number: 1, RootHash: "0x01", BlockSize: 0,
		UnprocessedPriorOpBefore: 0, UnprocessedPriorOpAfter: 1,
		Status: Sealed, SealedTime: time.Now().Unix(),
	}
	require.NoError(t, dao.StoreSealedBlock(block, nil, []uint64{0}, nil, nil))

	err := dao.RollbackWatchedBlocks(94, fmt.Sprintf("0x%064x", 94))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrphanedPriorityOp))

	// nothing moved
	watched, err := dao.GetLastWatchedBlock()
	require.NoError(t, err)
	assert.Equal(t, uint64(98), watched.BlockNumber)
}
