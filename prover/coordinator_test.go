package prover

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
)

var testDBSeq int64

func setupCoordinator(t *testing.T) (*Coordinator, db.KeeperDao) {
	id := atomic.AddInt64(&testDBSeq, 1)
	dsn := fmt.Sprintf("file:prover_test_%d?mode=memory&cache=shared", id)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	db.AutoMigrateDB(gdb)
	dao := db.NewKeeperSvcDB(gdb)
	cfg := &config.ProverConfig{LeaseTimeoutSec: 600, ReapIntervalSec: 60}
	return NewCoordinator(dao, cfg), dao
}

func sealBlock(t *testing.T, dao db.KeeperDao, number uint64) {
	block := &db.Block{
		Number:     number,
		RootHash:   fmt.Sprintf("0x%064x", number),
		BlockSize:  1,
		Status:     db.Sealed,
		SealedTime: time.Now().Unix(),
	}
	require.NoError(t, dao.StoreSealedBlock(block, nil, nil, nil, nil))
}

func TestLeaseBlockIsExclusive(t *testing.T) {
	coord, _ := setupCoordinator(t)
	sealBlock(t, coord.keeperDao, 1)

	lease, err := coord.LeaseBlock(1, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, uint64(1), lease.BlockNumber)
	assert.Equal(t, "worker-a", lease.Worker)
	assert.NotEmpty(t, lease.Token)

	_, err = coord.LeaseBlock(1, "worker-b")
	require.ErrorIs(t, err, ErrAlreadyLeased)
}

func TestLeaseBlockConcurrentWorkersExactlyOneWins(t *testing.T) {
	coord, _ := setupCoordinator(t)
	sealBlock(t, coord.keeperDao, 1)

	results := make(chan error, 2)
	for _, worker := range []string{"worker-a", "worker-b"} {
		go func(worker string) {
			// retry sqlite write contention until the lease race settles
			// one way or the other
			for {
				_, err := coord.LeaseBlock(1, worker)
				if err == nil || errors.Is(err, ErrAlreadyLeased) {
					results <- err
					return
				}
			}
		}(worker)
	}

	first, second := <-results, <-results
	wins := 0
	for _, err := range []error{first, second} {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyLeased)
		}
	}
	assert.Equal(t, 1, wins)

	// The winner's lease blocks any further hand-out.
	lease, err := coord.NextBlockToProve("worker-c")
	require.NoError(t, err)
	assert.Nil(t, lease)
}

func TestLeaseBlockUnknownBlock(t *testing.T) {
	coord, _ := setupCoordinator(t)
	_, err := coord.LeaseBlock(9, "worker-a")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestNextBlockToProveHandsOutOldestFirst(t *testing.T) {
	coord, _ := setupCoordinator(t)
	sealBlock(t, coord.keeperDao, 1)
	sealBlock(t, coord.keeperDao, 2)

	leaseA, err := coord.NextBlockToProve("worker-a")
	require.NoError(t, err)
	require.NotNil(t, leaseA)
	assert.Equal(t, uint64(1), leaseA.BlockNumber)

	// The second worker gets the next unleased block, not a shared lease.
	leaseB, err := coord.NextBlockToProve("worker-b")
	require.NoError(t, err)
	require.NotNil(t, leaseB)
	assert.Equal(t, uint64(2), leaseB.BlockNumber)

	leaseC, err := coord.NextBlockToProve("worker-c")
	require.NoError(t, err)
	assert.Nil(t, leaseC)
}

func TestHeartbeatUnknownToken(t *testing.T) {
	coord, _ := setupCoordinator(t)
	err := coord.Heartbeat("no-such-lease")
	require.ErrorIs(t, err, ErrLeaseNotFound)
}

func TestSubmitProofFlow(t *testing.T) {
	coord, _ := setupCoordinator(t)
	sealBlock(t, coord.keeperDao, 1)

	lease, err := coord.LeaseBlock(1, "worker-a")
	require.NoError(t, err)
	require.NoError(t, coord.Heartbeat(lease.Token))

	proof := []byte{0x01, 0x02, 0xff, 0x00, 0x7f}
	require.NoError(t, coord.SubmitProof(lease.Token, 1, proof))

	stored, err := coord.GetProof(1)
	require.NoError(t, err)
	assert.Equal(t, proof, stored)

	block, err := coord.keeperDao.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, db.Proved, block.Status)

	// The lease ended with the proof: no more heartbeats, no re-lease.
	require.ErrorIs(t, coord.Heartbeat(lease.Token), ErrLeaseNotFound)
	_, err = coord.LeaseBlock(1, "worker-b")
	require.ErrorIs(t, err, ErrAlreadyProved)

	// A worker retrying the submission must not fail.
	require.NoError(t, coord.SubmitProof(lease.Token, 1, proof))
}

func TestWorkerRegistration(t *testing.T) {
	coord, dao := setupCoordinator(t)
	require.NoError(t, coord.RegisterWorker("worker-a", 10))
	active, err := dao.GetActiveProvers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 10, active[0].BlockSizeLimit)

	require.NoError(t, coord.StopWorker("worker-a"))
	active, err = dao.GetActiveProvers()
	require.NoError(t, err)
	assert.Empty(t, active)

	// Re-registering reactivates the worker with the new limit.
	require.NoError(t, coord.RegisterWorker("worker-a", 20))
	active, err = dao.GetActiveProvers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 20, active[0].BlockSizeLimit)
}
