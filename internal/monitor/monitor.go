// Package monitor reconciles pending transaction records against the
// chain: batched receipt polling for direct broadcasts and relay task
// polling for sponsored submissions.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/multisafe/custody/internal/logger"
	"github.com/multisafe/custody/internal/metrics"
	"github.com/multisafe/custody/internal/relay"
	"github.com/multisafe/custody/internal/storage"
	"github.com/multisafe/custody/pkg/types"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 10 * time.Second

// ReceiptClient is the RPC surface the monitor needs; implemented by
// eth.Client.
type ReceiptClient interface {
	ChainID() int64
	TransactionReceipts(ctx context.Context, hashes []string) (map[string]*ethtypes.Receipt, error)
}

// Target is one chain under observation. Relay may be nil when the
// chain has no relay service.
type Target struct {
	Client ReceiptClient
	Relay  relay.Service
}

// Monitor polls all targets on a recurring ticker. Overlapping ticks do
// not queue: each chain has at most one outstanding poll, and a new
// tick cancels and replaces a poll still in flight.
type Monitor struct {
	repo     storage.PendingTransactionRepository
	targets  []Target
	interval time.Duration

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
	once sync.Once
}

// New creates a monitor over the given chains. interval zero means
// DefaultInterval.
func New(repo storage.PendingTransactionRepository, targets []Target, interval time.Duration) *Monitor {
	if interval == 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		repo:     repo,
		targets:  targets,
		interval: interval,
		inflight: make(map[int64]context.CancelFunc),
		quit:     make(chan struct{}),
	}
}

// Start begins polling until Stop is called.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.quit:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()
}

// Stop cancels outstanding polls and waits for them to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.quit) })

	m.mu.Lock()
	for _, cancel := range m.inflight {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Tick starts one poll per chain, cancelling any still in flight from
// a previous tick. Exported so tests drive the monitor without timers.
func (m *Monitor) Tick() {
	for _, t := range m.targets {
		m.pollChain(t)
	}
}

func (m *Monitor) pollChain(t Target) {
	chainID := t.Client.ChainID()

	m.mu.Lock()
	if cancel, ok := m.inflight[chainID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.inflight[chainID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.poll(ctx, t, chainID)
	}()
}

func (m *Monitor) poll(ctx context.Context, t Target, chainID int64) {
	records, err := m.repo.ListByStatus(ctx, chainID, types.TxStatusPending, types.TxStatusAwaitingExecution)
	if err != nil {
		logger.Warn(ctx, "failed to list pending records", "chain_id", chainID, "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	var direct []*types.PendingTransaction
	var relayed []*types.PendingTransaction
	for _, rec := range records {
		if rec.TaskID != nil {
			relayed = append(relayed, rec)
		} else {
			direct = append(direct, rec)
		}
	}

	m.pollReceipts(ctx, t.Client, chainID, direct)
	if t.Relay != nil {
		m.pollRelay(ctx, t.Relay, chainID, relayed)
	}
}

func (m *Monitor) pollReceipts(ctx context.Context, client ReceiptClient, chainID int64, records []*types.PendingTransaction) {
	if len(records) == 0 {
		return
	}

	hashes := make([]string, len(records))
	for i, rec := range records {
		hashes[i] = rec.EthTxHash
	}

	receipts, err := client.TransactionReceipts(ctx, hashes)
	if err != nil {
		logger.Warn(ctx, "receipt poll failed", "chain_id", chainID, "error", err)
		return
	}

	for _, rec := range records {
		receipt, ok := receipts[rec.EthTxHash]
		if !ok {
			continue
		}
		status := types.TxStatusSuccess
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			status = types.TxStatusFailed
		}
		now := time.Now().UTC()
		m.applyStatus(ctx, rec, status, &now)
	}
}

func (m *Monitor) pollRelay(ctx context.Context, relays relay.Service, chainID int64, records []*types.PendingTransaction) {
	for _, rec := range records {
		taskStatus, err := relays.RelayStatus(ctx, *rec.TaskID)
		if err != nil {
			logger.Warn(ctx, "relay status poll failed",
				"chain_id", chainID, "task_id", *rec.TaskID, "error", err)
			continue
		}
		if !taskStatus.TaskState.Final() {
			// The relay accepted the task but has not mined it yet.
			// Record the intermediate state once so operators can tell
			// accepted tasks from ones never picked up.
			if rec.Status != types.TxStatusAwaitingExecution {
				m.applyStatus(ctx, rec, types.TxStatusAwaitingExecution, nil)
			}
			continue
		}
		status := types.TxStatusFailed
		if taskStatus.TaskState == relay.TaskStateExecSuccess {
			status = types.TxStatusSuccess
		}
		now := time.Now().UTC()
		m.applyStatus(ctx, rec, status, &now)
	}
}

// applyStatus writes the new status only if the record is unchanged
// since it was read; losing the race just defers to the next tick.
func (m *Monitor) applyStatus(ctx context.Context, rec *types.PendingTransaction, status types.TxStatus, executedAt *time.Time) {
	applied, err := m.repo.UpdateStatusIf(ctx, rec, status, executedAt)
	if err != nil {
		logger.Warn(ctx, "failed to update pending record",
			"eth_tx_hash", rec.EthTxHash, "chain_id", rec.ChainID, "error", err)
		return
	}
	label := strconv.FormatInt(rec.ChainID, 10)
	if !applied {
		metrics.MonitorConflictsTotal.WithLabelValues(label).Inc()
		return
	}
	metrics.MonitorUpdatesTotal.WithLabelValues(label, string(status)).Inc()
	logger.Info(ctx, "pending transaction resolved",
		"eth_tx_hash", rec.EthTxHash, "chain_id", rec.ChainID, "status", status)
}
