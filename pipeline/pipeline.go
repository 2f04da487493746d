package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/ledger"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/mempool"
	"github.com/keeper-labs/rollup-keeper/metrics"
	"github.com/keeper-labs/rollup-keeper/types"
)

// Pipeline turns pooled transactions and pending priority ops into sealed
// blocks. A block is built entirely in memory and persisted in one
// transaction at seal time, so a crash mid-build loses nothing: the mempool
// rows and unconsumed priority ops are still there and the next run rebuilds
// the same block.
type Pipeline struct {
	keeperDao db.KeeperDao
	ledger    *ledger.Ledger
	pool      *mempool.Pool
	cfg       *config.PipelineConfig

	lastSealTime time.Time
}

func NewPipeline(keeperDao db.KeeperDao, ldg *ledger.Ledger, pool *mempool.Pool, cfg *config.PipelineConfig) *Pipeline {
	return &Pipeline{
		keeperDao: keeperDao,
		ledger:    ldg,
		pool:      pool,
		cfg:       cfg,
	}
}

func (p *Pipeline) StartLoop() {
	go func() {
		latest, err := p.keeperDao.GetLatestBlock()
		if err != nil {
			panic(err)
		}
		if latest.Number > 0 {
			if err = p.ledger.VerifyBlock(latest.Number); err != nil {
				panic(err)
			}
			logging.Logger.Infof("resuming block production after block %d, root %s", latest.Number, latest.RootHash)
			metrics.SealedBlockGauge.Set(float64(latest.Number))
		}
		p.lastSealTime = time.Now()

		buildTicker := time.NewTicker(time.Duration(p.cfg.GetPollIntervalMSec()) * time.Millisecond)
		for range buildTicker.C {
			if _, err = p.BuildOnce(false); err != nil {
				logging.Logger.Errorf("failed to build block, err=%s", err.Error())
				continue
			}
		}
	}()
}

// BuildOnce builds and seals at most one block. Without force, it waits
// until the block is full or the seal interval elapsed since the last seal.
// Returns the sealed block, or nil when there was nothing to seal.
func (p *Pipeline) BuildOnce(force bool) (*db.Block, error) {
	latest, err := p.keeperDao.GetLatestBlock()
	if err != nil {
		return nil, err
	}
	nextNumber := latest.Number + 1
	prevRoot := common.Hash{}
	if latest.Number > 0 {
		prevRoot = common.HexToHash(latest.RootHash)
	}
	prevAfter := latest.UnprocessedPriorOpAfter

	maxSize := p.cfg.GetMaxBlockSize()
	priorityRows, err := p.keeperDao.GetUnconsumedPriorityOps(maxSize)
	if err != nil {
		return nil, err
	}
	pending := make([]*mempool.PendingTx, 0)
	if slots := maxSize - len(priorityRows); slots > 0 {
		if pending, err = p.pool.Pending(slots); err != nil {
			return nil, err
		}
	}
	total := len(priorityRows) + len(pending)
	if total == 0 {
		return nil, nil
	}
	sealInterval := time.Duration(p.cfg.GetSealIntervalSec()) * time.Second
	if !force && total < maxSize && time.Since(p.lastSealTime) < sealInterval {
		return nil, nil
	}

	for i, row := range priorityRows {
		if row.SerialID != prevAfter+uint64(i) {
			return nil, fmt.Errorf("%w: expected serial %d, found %d", db.ErrPriorityOpGap, prevAfter+uint64(i), row.SerialID)
		}
	}

	exec, err := newExecutor(p.keeperDao, p.ledger)
	if err != nil {
		return nil, err
	}

	serialIDs := make([]uint64, 0, len(priorityRows))
	for _, row := range priorityRows {
		op := &types.PriorityOp{
			SerialID:      row.SerialID,
			Type:          types.PriorityOpType(row.OpType),
			Data:          json.RawMessage(row.Data),
			DeadlineBlock: row.DeadlineBlock,
			EthHash:       common.HexToHash(row.EthHash),
			EthBlock:      row.EthBlock,
		}
		if err = exec.executePriorityOp(op); err != nil {
			return nil, err
		}
		serialIDs = append(serialIDs, row.SerialID)
	}

	now := time.Now().Unix()
	executedTxs := make([]*db.ExecutedTransaction, 0, len(pending))
	mempoolHashes := make([]string, 0, len(pending))
	for blockIndex, pt := range pending {
		failReason, err := exec.executeTx(pt.Tx)
		if err != nil {
			return nil, err
		}
		executedTxs = append(executedTxs, &db.ExecutedTransaction{
			TxHash:      pt.Hash,
			TxType:      string(pt.Tx.Type),
			BlockNumber: nextNumber,
			BlockIndex:  blockIndex,
			FromAddress: pt.Tx.From.Hex(),
			Nonce:       pt.Tx.Nonce,
			Tx:          pt.Raw,
			Success:     failReason == "",
			FailReason:  failReason,
			CreatedTime: now,
		})
		mempoolHashes = append(mempoolHashes, pt.Hash)
	}

	credited, err := exec.creditFees(p.cfg.FeeAccountID)
	if err != nil {
		return nil, err
	}
	if !credited {
		logging.Logger.Warningf("fee account %d does not exist yet, block %d fees are burned", p.cfg.FeeAccountID, nextNumber)
	}

	if err = exec.verifyReplay(nextNumber); err != nil {
		return nil, err
	}

	root := ledger.ChainRootHash(prevRoot, nextNumber, exec.updates)
	block := &db.Block{
		Number:                   nextNumber,
		RootHash:                 root.Hex(),
		FeeAccountID:             p.cfg.FeeAccountID,
		BlockSize:                total,
		UnprocessedPriorOpBefore: prevAfter,
		UnprocessedPriorOpAfter:  prevAfter + uint64(len(serialIDs)),
		Status:                   db.Sealed,
		SealedTime:               now,
	}
	if err = p.keeperDao.StoreSealedBlock(block, executedTxs, serialIDs, exec.updates, mempoolHashes); err != nil {
		return nil, err
	}
	p.lastSealTime = time.Now()

	metrics.SealedBlockGauge.Set(float64(nextNumber))
	if size, err := p.pool.Size(); err == nil {
		metrics.MempoolSizeGauge.Set(float64(size))
	}
	logging.Logger.Infof("sealed block %d: %d txs, %d priority ops, root %s",
		nextNumber, len(executedTxs), len(serialIDs), block.RootHash)
	return block, nil
}
