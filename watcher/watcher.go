package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/external"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/metrics"
	"github.com/keeper-labs/rollup-keeper/types"
)

// ErrReorgDetected is returned when the checkpointed L1 header is no longer
// on the canonical chain. The scan that detects it also rolls back; the
// next scan resumes from the common ancestor.
var ErrReorgDetected = errors.New("L1 reorg detected at the watched checkpoint")

const priorityRequestABIJSON = `[
	{"name":"PriorityRequest","type":"event","inputs":[
		{"name":"serialId","type":"uint64","indexed":true},
		{"name":"opType","type":"uint8","indexed":false},
		{"name":"deadlineBlock","type":"uint256","indexed":false},
		{"name":"data","type":"bytes","indexed":false}
	]}
]`

const (
	priorityOpTypeDeposit  = uint8(1)
	priorityOpTypeFullExit = uint8(2)
)

var (
	priorityRequestABI   abi.ABI
	priorityRequestTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(priorityRequestABIJSON))
	if err != nil {
		panic(err)
	}
	priorityRequestABI = parsed
	priorityRequestTopic = parsed.Events["PriorityRequest"].ID
}

// Watcher tails the rollup contract's priority request events on L1 and
// keeps the durable scan checkpoint. Scans stay ConfirmationBlocks behind
// the head; a reorg that still reaches the checkpoint is rolled back to the
// last common ancestor using the bounded header journal.
type Watcher struct {
	keeperDao db.KeeperDao
	client    external.IClient
	chainCfg  *config.ChainConfig
	cfg       *config.WatcherConfig

	contractAddress common.Address
}

func NewWatcher(keeperDao db.KeeperDao, client external.IClient, chainCfg *config.ChainConfig, cfg *config.WatcherConfig) *Watcher {
	return &Watcher{
		keeperDao:       keeperDao,
		client:          client,
		chainCfg:        chainCfg,
		cfg:             cfg,
		contractAddress: common.HexToAddress(chainCfg.ContractAddress),
	}
}

func (w *Watcher) StartLoop() {
	go func() {
		scanTicker := time.NewTicker(time.Duration(w.cfg.GetPollIntervalSec()) * time.Second)
		for range scanTicker.C {
			if err := w.ScanOnce(context.Background()); err != nil {
				if errors.Is(err, ErrReorgDetected) {
					logging.Logger.Warningf("%s", err.Error())
					continue
				}
				logging.Logger.Errorf("failed to scan L1, err=%s", err.Error())
				continue
			}
		}
	}()
}

// ScanOnce advances the scan by at most MaxBlocksPerScan confirmed blocks.
// It first re-verifies the checkpoint header, then ingests the range's
// priority requests together with the checkpoint advance in one
// transaction. Rescanning a range after a crash is harmless: ops are keyed
// by serial id. An event that fails to decode stops the scan right in front
// of its block; every following tick re-hits it until the chain view is
// repaired.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	checkpoint, err := w.keeperDao.GetLastWatchedBlock()
	if err != nil {
		return err
	}
	if checkpoint.BlockNumber > 0 && checkpoint.BlockHash != "" {
		header, err := w.client.GetBlockHeader(ctx, checkpoint.BlockNumber)
		if err != nil {
			return pkgerrors.Wrapf(err, "fetch checkpoint header %d", checkpoint.BlockNumber)
		}
		if header.Hash().Hex() != checkpoint.BlockHash {
			return w.rollback(ctx, checkpoint)
		}
	}

	confirmedHead, err := w.client.GetConfirmedBlockNumber(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "fetch confirmed head")
	}
	start := checkpoint.BlockNumber + 1
	if checkpoint.BlockNumber == 0 && w.chainCfg.StartBlock > 0 {
		start = w.chainCfg.StartBlock
	}
	if start > confirmedHead {
		return w.alertExpiredOps(ctx)
	}
	end := start + w.cfg.GetMaxBlocksPerScan() - 1
	if end > confirmedHead {
		end = confirmedHead
	}

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   new(big.Int).SetUint64(end),
		Addresses: []common.Address{w.contractAddress},
		Topics:    [][]common.Hash{{priorityRequestTopic}},
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "filter logs %d..%d", start, end)
	}

	now := time.Now().Unix()
	ops := make([]*db.ExecutedPriorityOperation, 0, len(logs))
	var badEvent error
	for i := range logs {
		op, err := w.decodePriorityRequest(&logs[i], now)
		if err != nil {
			// Ingesting past a corrupted event would leave a serial gap no
			// later scan can close, wedging block building instead of the
			// component that saw the corruption. Halt in front of it.
			logging.Logger.Errorf("CRITICAL: undecodable priority request in tx %s, scan halted at block %d, manual intervention required, err=%s",
				logs[i].TxHash.Hex(), logs[i].BlockNumber, err.Error())
			badEvent = pkgerrors.Wrapf(err, "undecodable priority request in tx %s, scan halted at block %d",
				logs[i].TxHash.Hex(), logs[i].BlockNumber)
			end = logs[i].BlockNumber - 1
			break
		}
		ops = append(ops, op)
	}
	if badEvent != nil {
		if end < start {
			return badEvent
		}
		kept := ops[:0]
		for _, op := range ops {
			if op.EthBlock <= end {
				kept = append(kept, op)
			}
		}
		ops = kept
	}

	journalDepth := w.cfg.GetHeaderJournalDepth()
	journalStart := start
	if end >= journalDepth && end-journalDepth+1 > journalStart {
		journalStart = end - journalDepth + 1
	}
	headers := make([]*db.WatchedBlockHeader, 0, end-journalStart+1)
	var endHash string
	for number := journalStart; number <= end; number++ {
		header, err := w.client.GetBlockHeader(ctx, number)
		if err != nil {
			return pkgerrors.Wrapf(err, "fetch header %d", number)
		}
		headers = append(headers, &db.WatchedBlockHeader{
			BlockNumber: number,
			BlockHash:   header.Hash().Hex(),
			ParentHash:  header.ParentHash.Hex(),
		})
		if number == end {
			endHash = header.Hash().Hex()
		}
	}

	if err = w.keeperDao.UpdateWatchedProgress(end, endHash, headers, ops, int(journalDepth)); err != nil {
		return err
	}
	metrics.WatchedEthBlockGauge.Set(float64(end))
	if len(ops) > 0 {
		logging.Logger.Infof("scanned L1 blocks %d..%d, ingested %d priority requests", start, end, len(ops))
	}
	if badEvent != nil {
		return badEvent
	}
	return w.alertExpiredOps(ctx)
}

// rollback walks the header journal back from the stale checkpoint to the
// last header still on the canonical chain and rolls the scan state back to
// it. Returns ErrReorgDetected on success so the caller knows the scan
// position moved backwards.
func (w *Watcher) rollback(ctx context.Context, checkpoint *db.LastWatchedEthBlock) error {
	for number := checkpoint.BlockNumber - 1; number > 0; number-- {
		stored, err := w.keeperDao.GetWatchedHeader(number)
		if err == gorm.ErrRecordNotFound {
			return pkgerrors.Errorf("CRITICAL: reorg past block %d is deeper than the header journal, manual resync required", number)
		}
		if err != nil {
			return err
		}
		chainHeader, err := w.client.GetBlockHeader(ctx, number)
		if err != nil {
			return pkgerrors.Wrapf(err, "fetch header %d", number)
		}
		if chainHeader.Hash().Hex() != stored.BlockHash {
			continue
		}
		if err = w.keeperDao.RollbackWatchedBlocks(number, stored.BlockHash); err != nil {
			return err
		}
		metrics.ReorgCounter.Inc()
		metrics.WatchedEthBlockGauge.Set(float64(number))
		return pkgerrors.Wrapf(ErrReorgDetected,
			"rolled back from block %d to common ancestor %d", checkpoint.BlockNumber, number)
	}
	return pkgerrors.Errorf("CRITICAL: no common ancestor found below block %d, manual resync required", checkpoint.BlockNumber)
}

// alertExpiredOps reports unconsumed priority ops whose L1 inclusion
// deadline has passed. The rollup is contractually obliged to include them;
// an expired one is an operator emergency.
func (w *Watcher) alertExpiredOps(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "fetch head")
	}
	expired, err := w.keeperDao.GetExpiredPriorityOps(head)
	if err != nil {
		return err
	}
	for _, op := range expired {
		logging.Logger.Errorf("CRITICAL: priority op %d (%s) missed its inclusion deadline %d",
			op.SerialID, op.OpType, op.DeadlineBlock)
	}
	return nil
}

func (w *Watcher) decodePriorityRequest(log *ethtypes.Log, now int64) (*db.ExecutedPriorityOperation, error) {
	if len(log.Topics) < 2 {
		return nil, pkgerrors.New("missing serial id topic")
	}
	serialID := new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64()

	unpacked, err := priorityRequestABI.Unpack("PriorityRequest", log.Data)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "unpack event data")
	}
	if len(unpacked) != 3 {
		return nil, pkgerrors.Errorf("expected 3 fields, got %d", len(unpacked))
	}
	opTypeRaw, ok := unpacked[0].(uint8)
	if !ok {
		return nil, pkgerrors.New("op type field is not uint8")
	}
	deadline, ok := unpacked[1].(*big.Int)
	if !ok {
		return nil, pkgerrors.New("deadline field is not uint256")
	}
	payload, ok := unpacked[2].([]byte)
	if !ok {
		return nil, pkgerrors.New("data field is not bytes")
	}

	var opType types.PriorityOpType
	switch opTypeRaw {
	case priorityOpTypeDeposit:
		opType = types.PriorityOpDeposit
	case priorityOpTypeFullExit:
		opType = types.PriorityOpFullExit
	default:
		return nil, pkgerrors.Errorf("unknown priority op type %d", opTypeRaw)
	}

	op := &types.PriorityOp{
		SerialID:      serialID,
		Type:          opType,
		Data:          json.RawMessage(payload),
		DeadlineBlock: deadline.Uint64(),
		EthHash:       log.TxHash,
		EthBlock:      log.BlockNumber,
	}
	// Refuse payloads the pipeline could not execute later.
	switch opType {
	case types.PriorityOpDeposit:
		deposit, err := op.AsDeposit()
		if err != nil {
			return nil, err
		}
		if deposit.Amount == nil || deposit.Amount.Sign() < 0 {
			return nil, pkgerrors.New("deposit amount missing or negative")
		}
	case types.PriorityOpFullExit:
		if _, err = op.AsFullExit(); err != nil {
			return nil, err
		}
	}

	return &db.ExecutedPriorityOperation{
		SerialID:      serialID,
		OpType:        string(opType),
		Data:          string(payload),
		DeadlineBlock: deadline.Uint64(),
		EthHash:       log.TxHash.Hex(),
		EthBlock:      log.BlockNumber,
		BlockNumber:   0,
		BlockIndex:    0,
		CreatedTime:   now,
	}, nil
}
