package db

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateProverRunIsExclusive(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)

	run, err := dao.CreateProverRun(1, "worker-a", "token-a", 100, 40)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", run.Worker)

	_, err = dao.CreateProverRun(1, "worker-b", "token-b", 110, 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyLeased))
}

func TestHeartbeatExtendsLease(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)

	_, err := dao.CreateProverRun(1, "worker-a", "token-a", 100, 40)
	require.NoError(t, err)
	require.NoError(t, dao.HeartbeatProverRun("token-a", 150))

	run, err := dao.GetProverRun("token-a")
	require.NoError(t, err)
	assert.Equal(t, int64(150), run.UpdatedTime)

	err = dao.HeartbeatProverRun("no-such-token", 150)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaseNotFound))
}

// A crashed worker never heartbeats again; once its lease is stale another
// worker takes the block over and the dead worker's token stops working.
func TestStaleLeaseIsTakenOver(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)

	_, err := dao.CreateProverRun(1, "worker-a", "token-a", 100, 40)
	require.NoError(t, err)

	// heartbeat 100 is older than staleBefore 200
	run, err := dao.CreateProverRun(1, "worker-b", "token-b", 260, 200)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", run.Worker)

	old, err := dao.GetProverRun("token-a")
	require.NoError(t, err)
	assert.NotZero(t, old.StoppedTime)

	err = dao.HeartbeatProverRun("token-a", 270)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaseNotFound))

	err = dao.StoreProof(1, "cHJvb2Y=", "token-a", 280)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaseNotFound))
}

func TestStoreProofEndsLeaseAndMarksBlock(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)

	_, err := dao.CreateProverRun(1, "worker-a", "token-a", 100, 40)
	require.NoError(t, err)
	require.NoError(t, dao.StoreProof(1, "cHJvb2Y=", "token-a", 160))

	block, err := dao.GetBlock(1)
	require.NoError(t, err)
	assert.Equal(t, Proved, block.Status)

	proof, err := dao.GetProof(1)
	require.NoError(t, err)
	assert.Equal(t, "cHJvb2Y=", proof.Proof)

	run, err := dao.GetProverRun("token-a")
	require.NoError(t, err)
	assert.NotZero(t, run.StoppedTime)

	// a retried release is absorbed
	require.NoError(t, dao.StoreProof(1, "cHJvb2Y=", "token-a", 170))

	// and the proved block cannot be leased again
	_, err = dao.CreateProverRun(1, "worker-b", "token-b", 180, 120)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyProved))
}

func TestReapExpiredProverRuns(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)
	seedSealedBlock(t, dao, 2)

	_, err := dao.CreateProverRun(1, "worker-a", "token-a", 100, 40)
	require.NoError(t, err)
	_, err = dao.CreateProverRun(2, "worker-b", "token-b", 190, 40)
	require.NoError(t, err)

	reaped, err := dao.ReapExpiredProverRuns(150, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	// the reaped block is offered again, the live one is not
	blocks, err := dao.GetBlocksToProve(150, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint64(1), blocks[0].Number)
}

func TestRegisterAndStopProver(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)

	_, err := dao.RegisterProver("worker-a", 50, 100)
	require.NoError(t, err)
	provers, err := dao.GetActiveProvers()
	require.NoError(t, err)
	require.Len(t, provers, 1)

	_, err = dao.CreateProverRun(1, "worker-a", "token-a", 110, 50)
	require.NoError(t, err)

	require.NoError(t, dao.StopProver("worker-a", 120))
	provers, err = dao.GetActiveProvers()
	require.NoError(t, err)
	assert.Empty(t, provers)

	// stopping the worker ends its runs too
	err = dao.HeartbeatProverRun("token-a", 130)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLeaseNotFound))

	// re-registering reactivates with the new size limit
	registered, err := dao.RegisterProver("worker-a", 80, 140)
	require.NoError(t, err)
	assert.Equal(t, 80, registered.BlockSizeLimit)
	assert.Zero(t, registered.StoppedTime)
}

func TestGetBlocksToProveSkipsLeased(t *testing.T) {
	dao := setupTestDao(t)
	seedSealedBlock(t, dao, 1)
	seedSealedBlock(t, dao, 2)
	seedSealedBlock(t, dao, 3)

	_, err := dao.CreateProverRun(2, "worker-a", "token-a", 100, 40)
	require.NoError(t, err)

	blocks, err := dao.GetBlocksToProve(40, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(1), blocks[0].Number)
	assert.Equal(t, uint64(3), blocks[1].Number)
}
