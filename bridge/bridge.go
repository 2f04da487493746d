package bridge

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	pkgerrors "github.com/pkg/errors"

	"github.com/keeper-labs/rollup-keeper/config"
	"github.com/keeper-labs/rollup-keeper/db"
	"github.com/keeper-labs/rollup-keeper/external"
	"github.com/keeper-labs/rollup-keeper/logging"
	"github.com/keeper-labs/rollup-keeper/metrics"
	"github.com/keeper-labs/rollup-keeper/types"
	"github.com/keeper-labs/rollup-keeper/util"
)

var (
	// ErrNonceConflict means the nonce counter moved under an allocation.
	// One node is the only writer of its operator account, so this is fatal.
	ErrNonceConflict = db.ErrNonceConflict
	// ErrTooManyResends means an operation burned its whole escalation
	// budget without confirming. The operation is left as is and the
	// operator has to step in.
	ErrTooManyResends = errors.New("eth operation exceeded the resend budget")
)

const rollupABIJSON = `[
	{"name":"commitBlock","type":"function","inputs":[{"name":"_blockNumber","type":"uint64"},{"name":"_root","type":"bytes32"}]},
	{"name":"verifyBlock","type":"function","inputs":[{"name":"_blockNumber","type":"uint64"},{"name":"_proof","type":"bytes"}]},
	{"name":"completeWithdrawals","type":"function","inputs":[{"name":"_blockNumber","type":"uint64"}]}
]`

var rollupABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(rollupABIJSON))
	if err != nil {
		panic(err)
	}
	rollupABI = parsed
}

// Bridge drives every block's L1 obligations through the send/confirm state
// machine: allocate a nonce and a signed transaction, broadcast until a
// receipt is old enough to trust, escalate gas past deadlines, and record
// the single confirmed hash. All state is in the database; restarts resume
// mid-flight operations exactly where they were.
type Bridge struct {
	keeperDao   db.KeeperDao
	client      external.IClient
	gasAdjuster *GasAdjuster
	cfg         *config.BridgeConfig
	chainCfg    *config.ChainConfig

	privateKey      *ecdsa.PrivateKey
	operatorAddress common.Address
	contractAddress common.Address
	signer          ethtypes.Signer
}

func NewBridge(keeperDao db.KeeperDao, client external.IClient, gasAdjuster *GasAdjuster,
	cfg *config.BridgeConfig, chainCfg *config.ChainConfig) (*Bridge, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(chainCfg.OperatorPrivateKey, "0x"))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse operator private key")
	}
	return &Bridge{
		keeperDao:       keeperDao,
		client:          client,
		gasAdjuster:     gasAdjuster,
		cfg:             cfg,
		chainCfg:        chainCfg,
		privateKey:      privateKey,
		operatorAddress: crypto.PubkeyToAddress(privateKey.PublicKey),
		contractAddress: common.HexToAddress(chainCfg.ContractAddress),
		signer:          ethtypes.NewEIP155Signer(big.NewInt(chainCfg.ChainID)),
	}, nil
}

func (b *Bridge) OperatorAddress() common.Address {
	return b.operatorAddress
}

// AllocateOperation reserves the next nonce and persists the signed L1
// transaction for the block's action, then broadcasts it best effort. The
// nonce reservation and the operation insert are one database transaction.
func (b *Bridge) AllocateOperation(ctx context.Context, action types.ActionType, block *db.Block) (*db.EthOperation, error) {
	data, err := b.encodeCall(action, block)
	if err != nil {
		return nil, err
	}
	head, err := b.client.BlockNumber(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read L1 head")
	}
	gasPrice, err := b.gasAdjuster.GetGasPrice(ctx, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "price allocation")
	}
	deadline := head + b.cfg.GetExpectedWaitBlocks()
	now := time.Now().Unix()

	op, err := b.keeperDao.AllocateEthOperation(func(nonce uint64) (*db.EthOperation, string, error) {
		raw, txHash, err := b.buildSignedTx(nonce, gasPrice, data)
		if err != nil {
			return nil, "", err
		}
		op := &db.EthOperation{
			OpType:            string(action),
			BlockNumber:       block.Number,
			LastDeadlineBlock: deadline,
			LastUsedGasPrice:  gasPrice.String(),
			RawTx:             hexutil.Encode(raw),
			CreatedTime:       now,
		}
		return op, txHash, nil
	})
	if err != nil {
		return nil, err
	}
	logging.Logger.Infof("allocated %s operation for block %d, nonce %d, gas price %s",
		action, block.Number, op.Nonce, gasPrice.String())

	b.broadcast(ctx, op)
	return op, nil
}

// SubmitOnce rebroadcasts the current raw transaction of every unconfirmed
// operation. Rebroadcasting an already known transaction is harmless.
func (b *Bridge) SubmitOnce(ctx context.Context) error {
	ops, err := b.keeperDao.GetUnconfirmedEthOperations(50)
	if err != nil {
		return err
	}
	metrics.UnconfirmedEthOpsGauge.Set(float64(len(ops)))
	for _, op := range ops {
		b.broadcast(ctx, op)
	}
	return nil
}

func (b *Bridge) broadcast(ctx context.Context, op *db.EthOperation) {
	raw, err := hexutil.Decode(op.RawTx)
	if err != nil {
		logging.Logger.Errorf("eth operation %d has corrupt raw tx, err=%s", op.Id, err.Error())
		return
	}
	if _, err = b.client.SendRawTransaction(ctx, raw); err != nil && !isBenignSendErr(err) {
		logging.Logger.Errorf("failed to broadcast eth operation %d nonce %d, err=%s", op.Id, op.Nonce, err.Error())
	}
}

// CheckDeadlinesOnce escalates every operation whose deadline has passed:
// same nonce, at least 15% more gas, a fresh hash and a fresh deadline. An
// operation out of resend budget is reported and left alone.
func (b *Bridge) CheckDeadlinesOnce(ctx context.Context) error {
	head, err := b.client.BlockNumber(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "read L1 head")
	}
	due, err := b.keeperDao.GetDueEthOperations(head, 50)
	if err != nil {
		return err
	}
	for _, op := range due {
		if err = b.resend(ctx, op, head); err != nil {
			if errors.Is(err, ErrTooManyResends) {
				logging.Logger.Errorf("CRITICAL: eth operation %d (%s for block %d) is stuck after %d resends, operator attention required",
					op.Id, op.OpType, op.BlockNumber, op.ResendCount)
			} else {
				logging.Logger.Errorf("failed to resend eth operation %d, err=%s", op.Id, err.Error())
			}
			continue
		}
	}
	return nil
}

func (b *Bridge) resend(ctx context.Context, op *db.EthOperation, head uint64) error {
	if op.ResendCount >= b.cfg.GetMaxResendAttempts() {
		return pkgerrors.Wrapf(ErrTooManyResends, "operation %d", op.Id)
	}
	lastUsed, ok := util.StringToBigInt(op.LastUsedGasPrice)
	if !ok {
		return pkgerrors.Errorf("operation %d has corrupt gas price %q", op.Id, op.LastUsedGasPrice)
	}
	gasPrice, err := b.gasAdjuster.GetGasPrice(ctx, lastUsed)
	if err != nil {
		return err
	}
	if gasPrice.Cmp(lastUsed) <= 0 {
		// The limit clamp swallowed the escalation; a same-price
		// replacement would be rejected anyway. Try again next tick.
		logging.Logger.Warningf("operation %d cannot escalate past gas price limit, waiting", op.Id)
		return nil
	}

	oldRaw, err := hexutil.Decode(op.RawTx)
	if err != nil {
		return pkgerrors.Wrapf(err, "operation %d raw tx", op.Id)
	}
	oldTx := new(ethtypes.Transaction)
	if err = oldTx.UnmarshalBinary(oldRaw); err != nil {
		return pkgerrors.Wrapf(err, "operation %d raw tx", op.Id)
	}

	raw, txHash, err := b.buildSignedTx(op.Nonce, gasPrice, oldTx.Data())
	if err != nil {
		return err
	}
	newDeadline := head + b.cfg.GetExpectedWaitBlocks()
	err = b.keeperDao.RecordEthTxResent(op.Id, hexutil.Encode(raw), txHash, gasPrice.String(), newDeadline, time.Now().Unix())
	if err != nil {
		return err
	}
	metrics.EthTxResendCounter.Inc()
	logging.Logger.Infof("resent eth operation %d, nonce %d, gas price %s, attempt %d",
		op.Id, op.Nonce, gasPrice.String(), op.ResendCount+1)

	if _, err = b.client.SendRawTransaction(ctx, raw); err != nil && !isBenignSendErr(err) {
		logging.Logger.Errorf("failed to broadcast resent operation %d, err=%s", op.Id, err.Error())
	}
	return nil
}

// ConfirmOnce looks for a deep enough receipt among each unconfirmed
// operation's broadcast hashes and records the confirmation. A reverted
// receipt is never confirmed, it is a fatal alert.
func (b *Bridge) ConfirmOnce(ctx context.Context) error {
	head, err := b.client.BlockNumber(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "read L1 head")
	}
	confirmations := b.chainCfg.GetConfirmationBlocks()
	ops, err := b.keeperDao.GetUnconfirmedEthOperations(50)
	if err != nil {
		return err
	}
	for _, op := range ops {
		hashes, err := b.keeperDao.GetEthTxHashes(op.Id)
		if err != nil {
			return err
		}
		for _, hashRow := range hashes {
			receipt, err := b.client.TransactionReceipt(ctx, common.HexToHash(hashRow.TxHash))
			if err == ethereum.NotFound {
				continue
			}
			if err != nil {
				logging.Logger.Errorf("failed to fetch receipt of %s, err=%s", hashRow.TxHash, err.Error())
				continue
			}
			if receipt.BlockNumber == nil || receipt.BlockNumber.Uint64()+confirmations > head {
				continue
			}
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				logging.Logger.Errorf("CRITICAL: eth operation %d (%s for block %d) reverted on L1, tx %s",
					op.Id, op.OpType, op.BlockNumber, hashRow.TxHash)
				break
			}
			confirmed, err := b.keeperDao.ConfirmEthOperation(hashRow.TxHash, time.Now().Unix())
			if err != nil {
				return err
			}
			if err = b.afterConfirm(confirmed); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

func (b *Bridge) afterConfirm(op *db.EthOperation) error {
	metrics.ConfirmedEthOpCounter.WithLabelValues(op.OpType).Inc()
	logging.Logger.Infof("confirmed %s operation for block %d in tx %s", op.OpType, op.BlockNumber, op.FinalHash)
	switch types.ActionType(op.OpType) {
	case types.ActionCommit:
		return b.keeperDao.UpdateBlockStatus(op.BlockNumber, db.Committed)
	case types.ActionVerify:
		if err := b.keeperDao.UpdateBlockStatus(op.BlockNumber, db.Verified); err != nil {
			return err
		}
		metrics.VerifiedBlockGauge.Set(float64(op.BlockNumber))
	}
	return nil
}

// AllocatePendingOnce walks the block lifecycle and allocates the next due
// operation of each kind: commit for proved blocks, verify for committed
// blocks, withdraw completion for verified blocks.
func (b *Bridge) AllocatePendingOnce(ctx context.Context) error {
	jobs := []struct {
		status db.BlockStatus
		action types.ActionType
	}{
		{db.Proved, types.ActionCommit},
		{db.Committed, types.ActionVerify},
		{db.Verified, types.ActionWithdraw},
	}
	for _, job := range jobs {
		blocks, err := b.keeperDao.GetBlocksNeedingOperation(job.status, string(job.action), 10)
		if err != nil {
			return err
		}
		for _, block := range blocks {
			if _, err = b.AllocateOperation(ctx, job.action, block); err != nil {
				logging.Logger.Errorf("failed to allocate %s operation for block %d, err=%s",
					job.action, block.Number, err.Error())
			}
		}
	}
	return nil
}

func (b *Bridge) StartLoop() {
	go func() {
		b.initNonce()
		sendTicker := time.NewTicker(time.Duration(b.cfg.GetSendIntervalSec()) * time.Second)
		for range sendTicker.C {
			ctx := context.Background()
			if err := b.AllocatePendingOnce(ctx); err != nil {
				logging.Logger.Errorf("failed to allocate pending operations, err=%s", err.Error())
			}
			if err := b.SubmitOnce(ctx); err != nil {
				logging.Logger.Errorf("failed to submit operations, err=%s", err.Error())
			}
			if err := b.gasAdjuster.KeepUpdated(ctx); err != nil {
				logging.Logger.Errorf("failed to update gas price limit, err=%s", err.Error())
			}
		}
	}()
	go func() {
		confirmTicker := time.NewTicker(time.Duration(b.cfg.GetConfirmIntervalSec()) * time.Second)
		for range confirmTicker.C {
			ctx := context.Background()
			if err := b.ConfirmOnce(ctx); err != nil {
				logging.Logger.Errorf("failed to confirm operations, err=%s", err.Error())
			}
			if err := b.CheckDeadlinesOnce(ctx); err != nil {
				logging.Logger.Errorf("failed to check deadlines, err=%s", err.Error())
			}
		}
	}()
}

// initNonce lines the allocator up with the operator account on first boot
// and refuses to run when the chain shows transactions the database never
// allocated.
func (b *Bridge) initNonce() {
	dbNonce, err := b.keeperDao.GetEthNonce()
	if err != nil {
		panic(err)
	}
	chainNonce, err := b.client.PendingNonceAt(context.Background(), b.operatorAddress)
	if err != nil {
		panic(err)
	}
	if chainNonce > dbNonce {
		if dbNonce == 0 {
			if err = b.keeperDao.InitEthNonce(chainNonce); err != nil {
				panic(err)
			}
			logging.Logger.Infof("adopted operator chain nonce %d", chainNonce)
			return
		}
		panic("operator account was used by another sender, chain nonce is ahead of the allocator")
	}
}

func (b *Bridge) encodeCall(action types.ActionType, block *db.Block) ([]byte, error) {
	switch action {
	case types.ActionCommit:
		return rollupABI.Pack("commitBlock", block.Number, common.HexToHash(block.RootHash))
	case types.ActionVerify:
		proofRow, err := b.keeperDao.GetProof(block.Number)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "load proof for block %d", block.Number)
		}
		proof, err := base64.StdEncoding.DecodeString(proofRow.Proof)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "decode proof for block %d", block.Number)
		}
		return rollupABI.Pack("verifyBlock", block.Number, proof)
	case types.ActionWithdraw:
		return rollupABI.Pack("completeWithdrawals", block.Number)
	}
	return nil, pkgerrors.Errorf("unknown action %s", action)
}

func (b *Bridge) buildSignedTx(nonce uint64, gasPrice *big.Int, data []byte) ([]byte, string, error) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      b.cfg.GetGasLimit(),
		To:       &b.contractAddress,
		Value:    common.Big0,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, b.signer, b.privateKey)
	if err != nil {
		return nil, "", pkgerrors.Wrap(err, "sign tx")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", pkgerrors.Wrap(err, "encode tx")
	}
	return raw, signed.Hash().Hex(), nil
}

func isBenignSendErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already known") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "transaction underpriced")
}
