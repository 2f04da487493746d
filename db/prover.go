package db

import (
	"fmt"

	"gorm.io/gorm"
)

// Proof stores the accepted validity proof of a block, one per block.
type Proof struct {
	BlockNumber uint64 `gorm:"primaryKey;autoIncrement:false"`
	Proof       string `gorm:"NOT NULL;type:mediumtext"`
	CreatedTime int64  `gorm:"NOT NULL"`
}

func (*Proof) TableName() string {
	return "proofs"
}

// ProverRun is a lease of one block to one prover worker. A run is live
// while StoppedTime is 0 and its heartbeat is fresh; the reaper stops runs
// whose heartbeat went stale.
type ProverRun struct {
	Id          int64
	BlockNumber uint64 `gorm:"NOT NULL;index:idx_prover_run_block"`
	Worker      string `gorm:"NOT NULL;index:idx_prover_run_worker;size:64"`
	LeaseToken  string `gorm:"NOT NULL;uniqueIndex:idx_prover_run_token;size:36"`
	CreatedTime int64  `gorm:"NOT NULL"`
	UpdatedTime int64  `gorm:"NOT NULL"`
	StoppedTime int64  `gorm:"NOT NULL"`
}

func (*ProverRun) TableName() string {
	return "prover_runs"
}

// ActiveProver is the registry row of a prover worker.
type ActiveProver struct {
	Id             int64
	Worker         string `gorm:"NOT NULL;uniqueIndex:idx_active_prover_worker;size:64"`
	BlockSizeLimit int    `gorm:"NOT NULL"`
	CreatedTime    int64  `gorm:"NOT NULL"`
	StoppedTime    int64  `gorm:"NOT NULL"`
}

func (*ActiveProver) TableName() string {
	return "active_provers"
}

type ProverDB interface {
	RegisterProver(worker string, blockSizeLimit int, now int64) (*ActiveProver, error)
	StopProver(worker string, now int64) error
	GetActiveProvers() ([]*ActiveProver, error)
	CreateProverRun(blockNumber uint64, worker string, leaseToken string, now int64, staleBefore int64) (*ProverRun, error)
	HeartbeatProverRun(leaseToken string, now int64) error
	StoreProof(blockNumber uint64, proof string, leaseToken string, now int64) error
	ReapExpiredProverRuns(staleBefore int64, now int64) (int64, error)
	GetProof(blockNumber uint64) (*Proof, error)
	GetProverRun(leaseToken string) (*ProverRun, error)
	GetBlocksToProve(staleBefore int64, limit int) ([]*Block, error)
}

func (d *KeeperSvcDB) RegisterProver(worker string, blockSizeLimit int, now int64) (*ActiveProver, error) {
	prover := ActiveProver{}
	err := d.db.Transaction(func(dbTx *gorm.DB) error {
		err := dbTx.Model(ActiveProver{}).Where("worker = ?", worker).Take(&prover).Error
		if err == gorm.ErrRecordNotFound {
			prover = ActiveProver{
				Worker:         worker,
				BlockSizeLimit: blockSizeLimit,
				CreatedTime:    now,
				StoppedTime:    0,
			}
			return dbTx.Create(&prover).Error
		}
		if err != nil {
			return err
		}
		prover.BlockSizeLimit = blockSizeLimit
		prover.StoppedTime = 0
		return dbTx.Model(ActiveProver{}).Where("id = ?", prover.Id).
			Updates(map[string]interface{}{"block_size_limit": blockSizeLimit, "stopped_time": 0}).Error
	})
	if err != nil {
		return nil, err
	}
	return &prover, nil
}

// StopProver marks the worker stopped and ends every live run it holds.
func (d *KeeperSvcDB) StopProver(worker string, now int64) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		err := dbTx.Model(ActiveProver{}).Where("worker = ? and stopped_time = 0", worker).
			Update("stopped_time", now).Error
		if err != nil {
			return err
		}
		return dbTx.Model(ProverRun{}).Where("worker = ? and stopped_time = 0", worker).
			Update("stopped_time", now).Error
	})
}

func (d *KeeperSvcDB) GetActiveProvers() ([]*ActiveProver, error) {
	provers := make([]*ActiveProver, 0)
	if err := d.db.Where("stopped_time = 0").Order("worker asc").Find(&provers).Error; err != nil {
		return provers, err
	}
	return provers, nil
}

// CreateProverRun leases the block to the worker. The check and the insert
// run in one transaction: a live fresh lease wins, a stale unstopped lease
// is taken over, a stored proof refuses the lease outright.
func (d *KeeperSvcDB) CreateProverRun(blockNumber uint64, worker string, leaseToken string, now int64, staleBefore int64) (*ProverRun, error) {
	run := ProverRun{
		BlockNumber: blockNumber,
		Worker:      worker,
		LeaseToken:  leaseToken,
		CreatedTime: now,
		UpdatedTime: now,
		StoppedTime: 0,
	}
	err := d.db.Transaction(func(dbTx *gorm.DB) error {
		var proofCount int64
		if err := dbTx.Model(Proof{}).Where("block_number = ?", blockNumber).Count(&proofCount).Error; err != nil {
			return err
		}
		if proofCount > 0 {
			return fmt.Errorf("%w: block %d", ErrAlreadyProved, blockNumber)
		}

		var liveCount int64
		if err := dbTx.Model(ProverRun{}).
			Where("block_number = ? and stopped_time = 0 and updated_time >= ?", blockNumber, staleBefore).
			Count(&liveCount).Error; err != nil {
			return err
		}
		if liveCount > 0 {
			return fmt.Errorf("%w: block %d", ErrAlreadyLeased, blockNumber)
		}

		// Take over leases whose heartbeat went stale before the reaper did.
		if err := dbTx.Model(ProverRun{}).
			Where("block_number = ? and stopped_time = 0", blockNumber).
			Update("stopped_time", now).Error; err != nil {
			return err
		}
		return dbTx.Create(&run).Error
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (d *KeeperSvcDB) HeartbeatProverRun(leaseToken string, now int64) error {
	res := d.db.Model(ProverRun{}).Where("lease_token = ? and stopped_time = 0", leaseToken).
		Update("updated_time", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: token %s", ErrLeaseNotFound, leaseToken)
	}
	return nil
}

// StoreProof accepts the proof for a block, ends the lease and flips the
// block to Proved. A block that already has a proof absorbs the call as a
// no-op, so a worker may retry a release it is unsure about.
func (d *KeeperSvcDB) StoreProof(blockNumber uint64, proof string, leaseToken string, now int64) error {
	return d.db.Transaction(func(dbTx *gorm.DB) error {
		var proofCount int64
		if err := dbTx.Model(Proof{}).Where("block_number = ?", blockNumber).Count(&proofCount).Error; err != nil {
			return err
		}
		if proofCount > 0 {
			return nil
		}

		var liveCount int64
		if err := dbTx.Model(ProverRun{}).
			Where("lease_token = ? and block_number = ? and stopped_time = 0", leaseToken, blockNumber).
			Count(&liveCount).Error; err != nil {
			return err
		}
		if liveCount == 0 {
			return fmt.Errorf("%w: token %s for block %d", ErrLeaseNotFound, leaseToken, blockNumber)
		}

		if err := dbTx.Create(&Proof{BlockNumber: blockNumber, Proof: proof, CreatedTime: now}).Error; err != nil {
			return err
		}
		if err := dbTx.Model(ProverRun{}).Where("block_number = ? and stopped_time = 0", blockNumber).
			Update("stopped_time", now).Error; err != nil {
			return err
		}

		res := dbTx.Model(Block{}).Where("number = ? and status = ?", blockNumber, Sealed).
			Update("status", Proved)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("block %d is not in sealed status, cannot mark proved", blockNumber)
		}
		return nil
	})
}

// ReapExpiredProverRuns stops every live run whose heartbeat is older than
// staleBefore and returns how many it stopped.
func (d *KeeperSvcDB) ReapExpiredProverRuns(staleBefore int64, now int64) (int64, error) {
	res := d.db.Model(ProverRun{}).Where("stopped_time = 0 and updated_time < ?", staleBefore).
		Update("stopped_time", now)
	return res.RowsAffected, res.Error
}

func (d *KeeperSvcDB) GetProof(blockNumber uint64) (*Proof, error) {
	proof := Proof{}
	err := d.db.Model(Proof{}).Where("block_number = ?", blockNumber).Take(&proof).Error
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

func (d *KeeperSvcDB) GetProverRun(leaseToken string) (*ProverRun, error) {
	run := ProverRun{}
	err := d.db.Model(ProverRun{}).Where("lease_token = ?", leaseToken).Take(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetBlocksToProve returns sealed blocks not currently under a live lease,
// oldest first.
func (d *KeeperSvcDB) GetBlocksToProve(staleBefore int64, limit int) ([]*Block, error) {
	blocks := make([]*Block, 0)
	leased := d.db.Model(ProverRun{}).Select("block_number").
		Where("stopped_time = 0 and updated_time >= ?", staleBefore)
	err := d.db.Where("status = ?", Sealed).Where("number NOT IN (?)", leased).
		Order("number asc").Limit(limit).Find(&blocks).Error
	if err != nil {
		return blocks, err
	}
	return blocks, nil
}
