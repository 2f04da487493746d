package prover

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/metrics"
)

var (
	// ErrAlreadyLeased is returned when the requested block is held by a
	// live lease.
	ErrAlreadyLeased = db.ErrAlreadyLeased
	// ErrAlreadyProved is returned when the requested block already has an
	// accepted proof.
	ErrAlreadyProved = db.ErrAlreadyProved
	// ErrLeaseNotFound is returned on heartbeat or proof submission with a
	// token that is unknown or was stopped.
	ErrLeaseNotFound = db.ErrLeaseNotFound
)

// Coordinator hands sealed blocks to prover workers under exclusive leases.
// All lease state lives in the database; a coordinator restart forgets
// nothing and a worker crash is handled by heartbeat expiry alone.
type Coordinator struct {
	keeperDao db.KeeperDao
	cfg       *config.ProverConfig
}

// Lease is a worker's claim on one block.
type Lease struct {
	Token       string
	BlockNumber uint64
	Worker      string
}

func NewCoordinator(keeperDao db.KeeperDao, cfg *config.ProverConfig) *Coordinator {
	return &Coordinator{keeperDao: keeperDao, cfg: cfg}
}

func (c *Coordinator) RegisterWorker(worker string, blockSizeLimit int) error {
	_, err := c.keeperDao.RegisterProver(worker, blockSizeLimit, time.Now().Unix())
	return err
}

func (c *Coordinator) StopWorker(worker string) error {
	return c.keeperDao.StopProver(worker, time.Now().Unix())
}

// LeaseBlock claims the block for the worker. At most one live lease exists
// per block; losing the race returns ErrAlreadyLeased, a block with a proof
// returns ErrAlreadyProved.
func (c *Coordinator) LeaseBlock(blockNumber uint64, worker string) (*Lease, error) {
	if _, err := c.keeperDao.GetBlock(blockNumber); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	staleBefore := now - c.cfg.GetLeaseTimeoutSec()
	run, err := c.keeperDao.CreateProverRun(blockNumber, worker, uuid.NewString(), now, staleBefore)
	if err != nil {
		return nil, err
	}
	logging.Logger.Infof("leased block %d to prover %s", blockNumber, worker)
	return &Lease{Token: run.LeaseToken, BlockNumber: run.BlockNumber, Worker: run.Worker}, nil
}

// NextBlockToProve picks the oldest sealed unleased block and leases it to
// the worker. Returns nil without error when no block needs proving.
func (c *Coordinator) NextBlockToProve(worker string) (*Lease, error) {
	staleBefore := time.Now().Unix() - c.cfg.GetLeaseTimeoutSec()
	blocks, err := c.keeperDao.GetBlocksToProve(staleBefore, 5)
	if err != nil {
		return nil, err
	}
	for _, block := range blocks {
		lease, err := c.LeaseBlock(block.Number, worker)
		if err == nil {
			return lease, nil
		}
		if err == ErrAlreadyLeased || err == ErrAlreadyProved {
			continue
		}
		return nil, err
	}
	return nil, nil
}

// Heartbeat extends the lease. Heartbeating a reaped or finished lease
// returns ErrLeaseNotFound: the worker must abandon the block.
func (c *Coordinator) Heartbeat(token string) error {
	return c.keeperDao.HeartbeatProverRun(token, time.Now().Unix())
}

// SubmitProof stores the proof under the lease, ends it, and flips the
// block to proved. Submitting for a block that already has a proof is a
// no-op so workers can retry safely.
func (c *Coordinator) SubmitProof(token string, blockNumber uint64, proof []byte) error {
	encoded := base64.StdEncoding.EncodeToString(proof)
	if err := c.keeperDao.StoreProof(blockNumber, encoded, token, time.Now().Unix()); err != nil {
		return err
	}
	metrics.ProvedBlockGauge.Set(float64(blockNumber))
	logging.Logger.Infof("accepted proof for block %d", blockNumber)
	return nil
}

// GetProof returns the accepted proof for a block.
func (c *Coordinator) GetProof(blockNumber uint64) ([]byte, error) {
	row, err := c.keeperDao.GetProof(blockNumber)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(row.Proof)
}

// StartLoop runs the lease reaper.
func (c *Coordinator) StartLoop() {
	go func() {
		reapTicker := time.NewTicker(time.Duration(c.cfg.GetReapIntervalSec()) * time.Second)
		for range reapTicker.C {
			now := time.Now().Unix()
			count, err := c.keeperDao.ReapExpiredProverRuns(now-c.cfg.GetLeaseTimeoutSec(), now)
			if err != nil {
				logging.Logger.Errorf("failed to reap expired prover leases, err=%s", err.Error())
				continue
			}
			if count > 0 {
				metrics.ReapedLeaseCounter.Add(float64(count))
				logging.Logger.Infof("reaped %d expired prover leases", count)
			}
		}
	}()
}
