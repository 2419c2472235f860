// Package executor drives a transaction from draft through estimation,
// validation, signing, and submission.
package executor

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/multisafe/custody/internal/eth"
	"github.com/multisafe/custody/internal/logger"
	"github.com/multisafe/custody/internal/metrics"
	"github.com/multisafe/custody/internal/relay"
	"github.com/multisafe/custody/internal/signing"
	"github.com/multisafe/custody/internal/storage"
	apperrors "github.com/multisafe/custody/pkg/errors"
	"github.com/multisafe/custody/pkg/types"
)

// ChainClient is the RPC surface the controller consumes; implemented
// by eth.Client.
type ChainClient interface {
	ChainID() int64
	Estimate(ctx context.Context, args eth.CallArgs, legacyParams bool) (*eth.EstimateBatch, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendRawTransaction(ctx context.Context, signedTx *ethtypes.Transaction) (string, error)
}

// Estimation is one committed estimation round. MinNonce is pinned from
// the live transaction count; user nonces below it are rejected.
type Estimation struct {
	Gas         uint64
	GasPrice    *big.Int
	PriorityFee *big.Int
	MinNonce    uint64
	Balance     *big.Int

	// SimulationFailed means the simulated call reverted. It does not
	// invalidate the estimation; execution stays permitted but the
	// caller must surface a strong warning.
	SimulationFailed bool
	SimulationErr    error
}

// ErrEstimationStale is returned when a newer Estimate call superseded
// this one before it completed. Last-issued wins.
var ErrEstimationStale = apperrors.New(apperrors.CodeEstimationFailed, "estimation superseded by a newer request")

// SubmitOptions selects the submission path.
type SubmitOptions struct {
	// PayWithSigner forces direct broadcast even when sponsored relay
	// quota remains.
	PayWithSigner bool

	// SafeTxHash links the record to the multisig transaction it
	// executes, if any.
	SafeTxHash string
}

// Controller owns the review session for one chain. A new Estimate
// supersedes any in-flight one; Validate fails closed until a round has
// committed.
type Controller struct {
	client ChainClient
	relays relay.Service
	router *signing.Router
	repo   storage.PendingTransactionRepository
	chain  ChainConfig

	mu         sync.Mutex
	estGen     uint64
	cancelPrev context.CancelFunc
	est        *Estimation
	estErr     error
}

// NewController creates an execution controller. relays may be nil when
// the chain has no relay service; submission is then always direct.
func NewController(client ChainClient, relays relay.Service, router *signing.Router, repo storage.PendingTransactionRepository) *Controller {
	return &Controller{
		client: client,
		relays: relays,
		router: router,
		repo:   repo,
		chain:  ChainConfigFor(client.ChainID()),
	}
}

// Chain returns the controller's chain configuration.
func (c *Controller) Chain() ChainConfig { return c.chain }

// Estimate runs one batched estimation round for the draft and commits
// the result as the session's current estimation. An Estimate issued
// while another is in flight cancels and supersedes it; the superseded
// call returns ErrEstimationStale and leaves the session untouched.
func (c *Controller) Estimate(ctx context.Context, d *Draft) (*Estimation, error) {
	c.mu.Lock()
	c.estGen++
	gen := c.estGen
	if c.cancelPrev != nil {
		c.cancelPrev()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancelPrev = cancel
	c.mu.Unlock()
	defer cancel()

	est, err := c.estimate(ctx, d)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.estGen {
		metrics.EstimationsTotal.WithLabelValues(c.chainLabel(), "stale").Inc()
		return nil, ErrEstimationStale
	}
	c.est, c.estErr = est, err

	switch {
	case err != nil:
		metrics.EstimationsTotal.WithLabelValues(c.chainLabel(), "error").Inc()
	case est.SimulationFailed:
		metrics.EstimationsTotal.WithLabelValues(c.chainLabel(), "simulation_failed").Inc()
	default:
		metrics.EstimationsTotal.WithLabelValues(c.chainLabel(), "ok").Inc()
	}
	return est, err
}

func (c *Controller) estimate(ctx context.Context, d *Draft) (*Estimation, error) {
	if d.From == "" {
		return nil, apperrors.MissingRequiredField("from")
	}

	args := eth.CallArgs{From: d.From, To: d.To, Value: d.Value, Data: d.Data}
	batch, err := c.client.Estimate(ctx, args, c.chain.LegacyGasAPI)
	if err != nil {
		aggErr := apperrors.New(apperrors.CodeEstimationFailed, "estimation batch failed")
		aggErr.Retryable = true
		return nil, fmt.Errorf("%w: %v", aggErr, err)
	}

	est := &Estimation{
		Gas:      batch.Gas,
		GasPrice: batch.GasPrice,
		MinNonce: batch.TxCount,
		Balance:  batch.Balance,
	}

	// A reverting simulation is its own condition, reported alongside
	// any other element failures rather than folded into them.
	if batch.CallErr != nil {
		est.SimulationFailed = true
		est.SimulationErr = apperrors.SimulationFailed(batch.CallErr.Error())
	}

	var errs []error
	for _, e := range []error{batch.GasErr, batch.GasPriceErr, batch.TxCountErr, batch.BalanceErr} {
		if e != nil {
			errs = append(errs, e)
		}
	}
	if est.SimulationErr != nil {
		errs = append(errs, est.SimulationErr)
	}

	if c.chain.EIP1559 {
		tip, tipErr := c.client.SuggestGasTipCap(ctx)
		if tipErr != nil {
			errs = append(errs, fmt.Errorf("gas tip cap: %w", tipErr))
		} else {
			est.PriorityFee = tip
		}
	}

	// Partial failures aggregate into one composite error; the caller
	// sees every failing element, not just the first.
	hardErrs := len(errs)
	if est.SimulationErr != nil {
		hardErrs--
	}
	if hardErrs > 0 {
		return est, apperrors.Aggregate(apperrors.CodeEstimationFailed, "estimation partially failed", errs)
	}
	return est, nil
}

// Estimation returns the committed estimation and its error, nil until
// a round has completed.
func (c *Controller) Estimation() (*Estimation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.est, c.estErr
}

// Validate checks whether the draft may proceed to signing. It fails
// closed: without a clean committed estimation nothing validates.
// Funding passes when sponsored relay quota remains (and the user has
// not opted into signer-paid execution), or when the signer's balance
// covers the native value plus the worst-case fee.
func (c *Controller) Validate(ctx context.Context, d *Draft, opts SubmitOptions) error {
	c.mu.Lock()
	est, estErr := c.est, c.estErr
	c.mu.Unlock()

	if est == nil {
		return apperrors.New(apperrors.CodeEstimationFailed, "transaction has not been estimated")
	}
	if estErr != nil {
		return estErr
	}

	if d.Nonce != nil && *d.Nonce < est.MinNonce {
		return apperrors.NonceTooLow(*d.Nonce, est.MinNonce)
	}

	if !opts.PayWithSigner && c.relayQuotaRemaining(ctx, d.From) {
		return nil
	}

	required, err := c.requiredBalance(d, est)
	if err != nil {
		return err
	}
	if est.Balance == nil || est.Balance.Cmp(required) < 0 {
		return apperrors.ErrInsufficientBalance
	}
	return nil
}

func (c *Controller) relayQuotaRemaining(ctx context.Context, account string) bool {
	if c.relays == nil {
		return false
	}
	quota, err := c.relays.RelaysRemaining(ctx, c.chain.ID, account)
	if err != nil {
		logger.Warn(ctx, "relay quota check failed", "chain_id", c.chain.ID, "error", err)
		return false
	}
	return quota.Remaining > 0
}

// requiredBalance is the native value plus the worst-case fee:
// gas limit times the fee-per-gas ceiling of the chain's fee branch.
func (c *Controller) requiredBalance(d *Draft, est *Estimation) (*big.Int, error) {
	v, err := resolveVariant(d, c.chain, est)
	if err != nil {
		return nil, err
	}
	gas := est.Gas
	if d.Gas != nil {
		gas = *d.Gas
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), v.feePerGasCeiling())
	return fee.Add(fee, d.value()), nil
}

// BuildUnsigned materializes the draft into an unsigned transaction
// using the committed estimation for every field the user did not
// override.
func (c *Controller) BuildUnsigned(d *Draft) (*ethtypes.Transaction, error) {
	c.mu.Lock()
	est, estErr := c.est, c.estErr
	c.mu.Unlock()

	if est == nil || estErr != nil {
		return nil, apperrors.New(apperrors.CodeEstimationFailed, "cannot build before a clean estimation")
	}

	nonce := est.MinNonce
	if d.Nonce != nil {
		if *d.Nonce < est.MinNonce {
			return nil, apperrors.NonceTooLow(*d.Nonce, est.MinNonce)
		}
		nonce = *d.Nonce
	}
	gas := est.Gas
	if d.Gas != nil {
		gas = *d.Gas
	}

	v, err := resolveVariant(d, c.chain, est)
	if err != nil {
		return nil, err
	}
	return ethtypes.NewTx(v.txData(d, c.chain.ID, nonce, gas)), nil
}

// Sign builds the unsigned transaction, routes the signing-hash to the
// key's signer, and installs the signature. The recovered sender must
// match the draft's from address or the result is discarded.
func (c *Controller) Sign(ctx context.Context, d *Draft, key types.KeyDescriptor, password string) (*ethtypes.Transaction, error) {
	unsigned, err := c.BuildUnsigned(d)
	if err != nil {
		return nil, err
	}

	signer := ethtypes.LatestSignerForChainID(big.NewInt(c.chain.ID))
	hash := signer.Hash(unsigned)

	sig, err := c.router.Sign(ctx, signing.Request{
		Key:      key,
		Hash:     hash.Bytes(),
		ChainID:  c.chain.ID,
		Password: password,
	})
	if err != nil {
		return nil, err
	}

	return c.InstallSignature(unsigned, d.From, sig)
}

// InstallSignature attaches a normalized signature to an unsigned
// transaction and verifies the recovered sender. Mismatch is a hard
// error; a mismatched transaction must never broadcast.
func (c *Controller) InstallSignature(unsigned *ethtypes.Transaction, from string, sig types.Signature) (*ethtypes.Transaction, error) {
	signer := ethtypes.LatestSignerForChainID(big.NewInt(c.chain.ID))

	signed, err := unsigned.WithSignature(signer, sig.Bytes())
	if err != nil {
		return nil, apperrors.SigningFailed("install signature", err)
	}

	sender, err := ethtypes.Sender(signer, signed)
	if err != nil {
		return nil, apperrors.SigningFailed("recover sender", err)
	}
	if !strings.EqualFold(sender.Hex(), common.HexToAddress(from).Hex()) {
		return nil, apperrors.ErrSignatureMismatch
	}
	return signed, nil
}

// Submit broadcasts a signed transaction. The sponsored relay path is
// chosen iff quota remains and the user has not opted into signer-paid
// execution; otherwise the raw transaction goes straight to the node.
// Both paths converge on one pending record keyed by (hash, chain).
func (c *Controller) Submit(ctx context.Context, signed *ethtypes.Transaction, from string, opts SubmitOptions) (*types.PendingTransaction, error) {
	record := &types.PendingTransaction{
		EthTxHash:   signed.Hash().Hex(),
		SafeTxHash:  opts.SafeTxHash,
		ChainID:     c.chain.ID,
		Status:      types.TxStatusPending,
		SubmittedAt: time.Now().UTC(),
	}

	useRelay := !opts.PayWithSigner && c.relayQuotaRemaining(ctx, from)
	if useRelay {
		raw, err := signed.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode signed transaction: %w", err)
		}
		to := ""
		if signed.To() != nil {
			to = signed.To().Hex()
		}
		taskID, err := c.relays.RelayTransaction(ctx, c.chain.ID, to, raw)
		if err != nil {
			return nil, err
		}
		record.TaskID = &taskID
		metrics.SubmissionsTotal.WithLabelValues(c.chainLabel(), "relay").Inc()
	} else {
		if _, err := c.client.SendRawTransaction(ctx, signed); err != nil {
			return nil, fmt.Errorf("broadcast failed: %w", err)
		}
		metrics.SubmissionsTotal.WithLabelValues(c.chainLabel(), "direct").Inc()
	}

	if err := c.repo.Create(ctx, record); err != nil {
		// The transaction is on its way; a record failure must not look
		// like a failed submission.
		logger.Error(ctx, "failed to persist pending record",
			"eth_tx_hash", record.EthTxHash, "chain_id", c.chain.ID, "error", err)
	}

	logger.Info(ctx, "transaction submitted",
		"eth_tx_hash", record.EthTxHash, "chain_id", c.chain.ID, "relayed", useRelay)
	return record, nil
}

func (c *Controller) chainLabel() string {
	return strconv.FormatInt(c.chain.ID, 10)
}
