// Package eth wraps the go-ethereum RPC client with the batched call
// shapes the execution controller and monitors consume.
package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client wraps one chain's JSON-RPC endpoint.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	chainID *big.Int
}

// Dial connects to an RPC endpoint and auto-detects its chain ID.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL is required")
	}

	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	ec := ethclient.NewClient(rc)

	chainID, err := ec.ChainID(ctx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &Client{rpc: rc, eth: ec, chainID: chainID}, nil
}

// NewClientFromRPC wraps an existing RPC client; used by tests with an
// in-process server.
func NewClientFromRPC(rc *rpc.Client, chainID int64) *Client {
	return &Client{rpc: rc, eth: ethclient.NewClient(rc), chainID: big.NewInt(chainID)}
}

// ChainID returns the chain ID.
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// ChainIDBig returns the chain ID as big.Int.
func (c *Client) ChainIDBig() *big.Int { return c.chainID }

// CallArgs is the transaction object passed to estimation and
// simulation calls.
type CallArgs struct {
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	Value    *big.Int `json:"-"`
	Data     []byte   `json:"-"`
	ValueHex string   `json:"value,omitempty"`
	DataHex  string   `json:"data,omitempty"`
}

func (a CallArgs) encoded() CallArgs {
	out := a
	if a.Value != nil && a.Value.Sign() > 0 {
		out.ValueHex = hexutil.EncodeBig(a.Value)
	}
	if len(a.Data) > 0 {
		out.DataHex = hexutil.Encode(a.Data)
	}
	return out
}

// EstimateBatch is the per-element outcome of one batched estimation
// round trip. Each field's error is nil on success; callers aggregate.
type EstimateBatch struct {
	Gas        uint64
	CallResult []byte
	GasPrice   *big.Int
	TxCount    uint64
	Balance    *big.Int

	GasErr      error
	CallErr     error
	GasPriceErr error
	TxCountErr  error
	BalanceErr  error
}

// Errs returns the non-nil element errors in batch order.
func (b *EstimateBatch) Errs() []error {
	var errs []error
	for _, err := range []error{b.GasErr, b.CallErr, b.GasPriceErr, b.TxCountErr, b.BalanceErr} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Estimate issues the five estimation queries as one batched request:
// gas estimate, call simulation, gas price, transaction count, and
// balance. All five target the same block tag. legacyParams selects the
// restricted API shape some chains require: no block parameter on
// estimateGas, and "latest" instead of "pending" everywhere else.
func (c *Client) Estimate(ctx context.Context, args CallArgs, legacyParams bool) (*EstimateBatch, error) {
	blockTag := "pending"
	if legacyParams {
		blockTag = "latest"
	}
	enc := args.encoded()

	var (
		gas      hexutil.Uint64
		callRes  hexutil.Bytes
		gasPrice hexutil.Big
		txCount  hexutil.Uint64
		balance  hexutil.Big
	)

	estimateArgs := []interface{}{enc, blockTag}
	if legacyParams {
		estimateArgs = []interface{}{enc}
	}

	batch := []rpc.BatchElem{
		{Method: "eth_estimateGas", Args: estimateArgs, Result: &gas},
		{Method: "eth_call", Args: []interface{}{enc, blockTag}, Result: &callRes},
		{Method: "eth_gasPrice", Result: &gasPrice},
		{Method: "eth_getTransactionCount", Args: []interface{}{enc.From, blockTag}, Result: &txCount},
		{Method: "eth_getBalance", Args: []interface{}{enc.From, blockTag}, Result: &balance},
	}

	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("estimation batch call: %w", err)
	}

	out := &EstimateBatch{
		Gas:         uint64(gas),
		CallResult:  callRes,
		GasPrice:    (*big.Int)(&gasPrice),
		TxCount:     uint64(txCount),
		Balance:     (*big.Int)(&balance),
		GasErr:      batch[0].Error,
		CallErr:     batch[1].Error,
		GasPriceErr: batch[2].Error,
		TxCountErr:  batch[3].Error,
		BalanceErr:  batch[4].Error,
	}

	// Some chains report a gas price of exactly zero in batched
	// responses; a single retry works around it.
	if out.GasPriceErr == nil && out.GasPrice.Sign() == 0 {
		if retried, err := c.GasPrice(ctx); err == nil {
			out.GasPrice = retried
		}
	}

	return out, nil
}

// GasPrice issues a single eth_gasPrice call.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

// SuggestGasTipCap returns the suggested priority fee for EIP-1559
// chains.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	return tip, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its
// hash.
func (c *Client) SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (string, error) {
	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// TransactionReceipts fetches receipts for many hashes as one batched
// request. Missing receipts (still pending) map to nil without error.
func (c *Client) TransactionReceipts(ctx context.Context, hashes []string) (map[string]*ethtypes.Receipt, error) {
	if len(hashes) == 0 {
		return map[string]*ethtypes.Receipt{}, nil
	}

	batch := make([]rpc.BatchElem, len(hashes))
	receipts := make([]*ethtypes.Receipt, len(hashes))
	for i, h := range hashes {
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{common.HexToHash(h)},
			Result: &receipts[i],
		}
	}

	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("receipt batch call: %w", err)
	}

	out := make(map[string]*ethtypes.Receipt, len(hashes))
	for i, h := range hashes {
		if batch[i].Error != nil || receipts[i] == nil {
			continue
		}
		out[h] = receipts[i]
	}
	return out, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}
