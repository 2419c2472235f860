// Package relay talks to the sponsored meta-transaction relay service:
// submitting transactions on the sponsor's dime, checking the remaining
// sponsorship quota, and polling task state.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	apperrors "github.com/multisafe/custody/pkg/errors"
)

// TaskState is the relay service's view of a submitted task.
type TaskState string

const (
	TaskStateCheckPending TaskState = "CheckPending"
	TaskStateExecPending  TaskState = "ExecPending"
	TaskStateExecSuccess  TaskState = "ExecSuccess"
	TaskStateExecReverted TaskState = "ExecReverted"
	TaskStateCancelled    TaskState = "Cancelled"
)

// Final reports whether the task will not change state again.
func (s TaskState) Final() bool {
	return s == TaskStateExecSuccess || s == TaskStateExecReverted || s == TaskStateCancelled
}

// Quota is the remaining sponsored-relay allowance for an account.
type Quota struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// TaskStatus is the polled state of a relay task. TransactionHash is
// empty until the relay has broadcast the transaction.
type TaskStatus struct {
	TaskID          string    `json:"taskId"`
	TaskState       TaskState `json:"taskState"`
	TransactionHash string    `json:"transactionHash,omitempty"`
}

// Service is the relay contract consumed by the executor and the relay
// monitor. Client implements it against the real HTTP service; Fake
// implements it in-process for tests.
type Service interface {
	RelayTransaction(ctx context.Context, chainID int64, to string, txData []byte) (string, error)
	RelaysRemaining(ctx context.Context, chainID int64, safeAddress string) (Quota, error)
	RelayStatus(ctx context.Context, taskID string) (*TaskStatus, error)
}

// ClientConfig configures the HTTP relay client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. https://relay.example.com.
	BaseURL string

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration

	// RequestsPerSecond paces outbound calls; status polling for many
	// pending tasks must not hammer the service. Zero means 5 rps.
	RequestsPerSecond float64
}

// Client is the HTTP relay client.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ Service = (*Client)(nil)

// NewClient creates a relay client for the given service endpoint.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 5
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type relayRequest struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Data    string `json:"data"`
}

type relayResponse struct {
	TaskID string `json:"taskId"`
}

// RelayTransaction submits encoded transaction data for sponsored
// execution and returns the relay task id.
func (c *Client) RelayTransaction(ctx context.Context, chainID int64, to string, txData []byte) (string, error) {
	body, err := json.Marshal(relayRequest{
		ChainID: chainID,
		To:      to,
		Data:    hexutil.Encode(txData),
	})
	if err != nil {
		return "", fmt.Errorf("encode relay request: %w", err)
	}

	var resp relayResponse
	if err := c.do(ctx, http.MethodPost, "/v1/relay", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", apperrors.New(apperrors.CodeRelayFailure, "relay service returned no task id")
	}
	return resp.TaskID, nil
}

// RelaysRemaining returns the sponsored quota for a safe on a chain.
func (c *Client) RelaysRemaining(ctx context.Context, chainID int64, safeAddress string) (Quota, error) {
	var quota Quota
	path := fmt.Sprintf("/v1/relay/%d/%s", chainID, safeAddress)
	if err := c.do(ctx, http.MethodGet, path, nil, &quota); err != nil {
		return Quota{}, err
	}
	return quota, nil
}

// RelayStatus returns the current state of a relay task.
func (c *Client) RelayStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		relayErr := apperrors.New(apperrors.CodeRelayFailure, "relay service unreachable")
		relayErr.Retryable = true
		return fmt.Errorf("%w: %v", relayErr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		relayErr := apperrors.NewWithDetail(apperrors.CodeRelayFailure,
			fmt.Sprintf("relay service returned status %d", resp.StatusCode), string(data))
		relayErr.Retryable = resp.StatusCode >= 500
		return relayErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
