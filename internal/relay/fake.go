package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	apperrors "github.com/multisafe/custody/pkg/errors"
)

// Fake is an in-process relay service used by tests and local runs.
// Every submission consumes quota and starts in CheckPending; tests
// advance task state explicitly.
type Fake struct {
	mu     sync.Mutex
	quotas map[string]Quota
	tasks  map[string]*TaskStatus
}

var _ Service = (*Fake)(nil)

// NewFake creates an empty fake relay. Accounts have no quota until
// SetQuota is called.
func NewFake() *Fake {
	return &Fake{
		quotas: make(map[string]Quota),
		tasks:  make(map[string]*TaskStatus),
	}
}

func quotaKey(chainID int64, safeAddress string) string {
	return fmt.Sprintf("%d/%s", chainID, safeAddress)
}

// SetQuota sets the sponsored allowance for an account.
func (f *Fake) SetQuota(chainID int64, safeAddress string, remaining, limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotas[quotaKey(chainID, safeAddress)] = Quota{Remaining: remaining, Limit: limit}
}

// RelayTransaction registers a new task and returns its id.
func (f *Fake) RelayTransaction(ctx context.Context, chainID int64, to string, txData []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	taskID := uuid.New().String()
	f.tasks[taskID] = &TaskStatus{TaskID: taskID, TaskState: TaskStateCheckPending}

	// Consume quota from the recipient account when tracked.
	key := quotaKey(chainID, to)
	if q, ok := f.quotas[key]; ok && q.Remaining > 0 {
		q.Remaining--
		f.quotas[key] = q
	}
	return taskID, nil
}

// RelaysRemaining returns the configured quota, zero when unset.
func (f *Fake) RelaysRemaining(ctx context.Context, chainID int64, safeAddress string) (Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotas[quotaKey(chainID, safeAddress)], nil
}

// RelayStatus returns the task state.
func (f *Fake) RelayStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeRelayFailure, "unknown task id")
	}
	out := *task
	return &out, nil
}

// CompleteTask moves a task to a final state with a deterministic
// transaction hash derived from the task id.
func (f *Fake) CompleteTask(taskID string, state TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	task, ok := f.tasks[taskID]
	if !ok {
		return
	}
	task.TaskState = state
	if state == TaskStateExecSuccess || state == TaskStateExecReverted {
		task.TransactionHash = hexutil.Encode(ethcrypto.Keccak256([]byte(taskID)))
	}
}
