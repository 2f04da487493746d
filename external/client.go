package external

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/keeper-labs/rollup-keeper/config"
)

// IClient is the L1 access surface the node needs. Tests swap in a mock;
// production wraps an ethclient plus a raw rpc client.
type IClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetConfirmedBlockNumber(ctx context.Context) (uint64, error)
	GetBlockHeader(ctx context.Context, height uint64) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	cfg       *config.ChainConfig
}

func NewClient(cfg *config.ChainConfig) IClient {
	ethClient, err := ethclient.Dial(cfg.RPCAddrs[0])
	if err != nil {
		panic("new eth client error")
	}
	rpcClient, err := rpc.DialContext(context.Background(), cfg.RPCAddrs[0])
	if err != nil {
		panic("new rpc client error")
	}
	return &Client{
		cfg:       cfg,
		ethClient: ethClient,
		rpcClient: rpcClient,
	}
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// GetConfirmedBlockNumber returns the newest height old enough to trust,
// head minus the configured confirmation depth.
func (c *Client) GetConfirmedBlockNumber(ctx context.Context) (uint64, error) {
	head, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	confirmations := c.cfg.GetConfirmationBlocks()
	if head < confirmations {
		return 0, nil
	}
	return head - confirmations, nil
}

func (c *Client) GetBlockHeader(ctx context.Context, height uint64) (*types.Header, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, err
	}
	return header, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ethClient.SuggestGasPrice(ctx)
}

// SendRawTransaction broadcasts pre-signed transaction bytes and returns the
// hash the node accepted them under.
func (c *Client) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	var txHash common.Hash
	err := c.rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", hexutil.Encode(rawTx))
	if err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, txHash)
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.ethClient.FilterLogs(ctx, q)
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.ethClient.PendingNonceAt(ctx, account)
}
