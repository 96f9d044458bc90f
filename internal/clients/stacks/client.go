// Package stacks provides the HTTP client for the Stacks node API.
package stacks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/bithedge/backend/internal/chain/clarity"
)

const defaultTimeout = 10 * time.Second

// Client talks to a Stacks node / API endpoint. All calls carry a per-call
// timeout and pass through a circuit breaker so a flapping node does not tie
// up schedulers.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewClient creates a new node API client.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:    "stacks-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: defaultTimeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log.With().Str("client", "stacks-api").Logger(),
	}
}

// NodeInfo is the subset of GET /v2/info the backend uses.
type NodeInfo struct {
	StacksTipHeight uint64 `json:"stacks_tip_height"`
	BurnBlockHeight uint64 `json:"burn_block_height"`
	NetworkID       uint64 `json:"network_id"`
}

// GetInfo fetches the chain tip.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	if err := c.getJSON(ctx, "/v2/info", &info); err != nil {
		return nil, fmt.Errorf("failed to fetch node info: %w", err)
	}
	return &info, nil
}

// GetNonce fetches the possible next nonce for a sender.
func (c *Client) GetNonce(ctx context.Context, address string) (uint64, error) {
	var account struct {
		Nonce uint64 `json:"nonce"`
	}
	path := fmt.Sprintf("/v2/accounts/%s?proof=0", address)
	if err := c.getJSON(ctx, path, &account); err != nil {
		return 0, fmt.Errorf("failed to fetch nonce for %s: %w", address, err)
	}
	return account.Nonce, nil
}

// TxInfo is the subset of GET /extended/v1/tx/{txid} the backend uses.
type TxInfo struct {
	TxID        string `json:"tx_id"`
	TxStatus    string `json:"tx_status"` // success, pending, abort_by_response, ...
	BlockHeight uint64 `json:"block_height"`
}

// ErrTxNotFound is returned when the API does not know the transaction yet.
// Callers treat this as still-pending: mempool propagation lags broadcast.
var ErrTxNotFound = fmt.Errorf("transaction not found")

// GetTransaction fetches the status of a broadcast transaction.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*TxInfo, error) {
	var info TxInfo
	err := c.getJSON(ctx, "/extended/v1/tx/"+txID, &info)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", txID, err)
	}
	return &info, nil
}

// ContractEvent is one event emitted by a tracked contract.
type ContractEvent struct {
	TxID        string `json:"tx_id"`
	EventIndex  int    `json:"event_index"`
	ContractLog struct {
		ContractID string        `json:"contract_id"`
		Topic      string        `json:"topic"`
		Value      clarity.Value `json:"value"`
	} `json:"contract_log"`
}

// GetContractEvents pages events for a contract, oldest first within a page.
func (c *Client) GetContractEvents(ctx context.Context, contractID string, limit, offset int) ([]ContractEvent, error) {
	var page struct {
		Results []ContractEvent `json:"results"`
	}
	path := fmt.Sprintf("/extended/v1/address/%s/events?limit=%d&offset=%d", contractID, limit, offset)
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("failed to fetch events for %s: %w", contractID, err)
	}
	return page.Results, nil
}

// BroadcastError is the node's rejection payload.
type BroadcastError struct {
	ErrorText  string `json:"error"`
	Reason     string `json:"reason"`
	ReasonData struct {
		Expected uint64 `json:"expected"`
		Actual   uint64 `json:"actual"`
	} `json:"reason_data"`
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s (%s)", e.ErrorText, e.Reason)
}

// IsBadNonce reports whether the rejection was a nonce mismatch.
func (e *BroadcastError) IsBadNonce() bool {
	return e.Reason == "BadNonce"
}

// Broadcast posts a serialized signed transaction and returns the tx ID.
func (c *Client) Broadcast(ctx context.Context, raw []byte) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transactions", bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			var rejection BroadcastError
			if jsonErr := json.Unmarshal(body, &rejection); jsonErr == nil && rejection.Reason != "" {
				return nil, &rejection
			}
			return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
		}

		// The node returns the txid as a JSON string
		var txID string
		if err := json.Unmarshal(body, &txID); err != nil {
			return nil, fmt.Errorf("unexpected broadcast response %q: %w", string(body), err)
		}
		return txID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// CallReadOnly invokes a read-only contract function and returns its result.
func (c *Client) CallReadOnly(ctx context.Context, contractID, function, sender string, args []clarity.Value) (clarity.Value, error) {
	reqBody := struct {
		Sender    string          `json:"sender"`
		Arguments []clarity.Value `json:"arguments"`
	}{Sender: sender, Arguments: args}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return clarity.Value{}, fmt.Errorf("failed to encode read-only call: %w", err)
	}

	var respBody struct {
		Okay   bool          `json:"okay"`
		Result clarity.Value `json:"result"`
		Cause  string        `json:"cause"`
	}

	path := fmt.Sprintf("/v2/contracts/call-read/%s/%s", contractID, function)
	if err := c.postJSON(ctx, path, payload, &respBody); err != nil {
		return clarity.Value{}, fmt.Errorf("read-only call %s.%s failed: %w", contractID, function, err)
	}
	if !respBody.Okay {
		return clarity.Value{}, fmt.Errorf("read-only call %s.%s rejected: %s", contractID, function, respBody.Cause)
	}
	return respBody.Result, nil
}

// HTTPError is a non-2xx response that carried no structured rejection.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.Status, e.Body)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, payload []byte, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return nil, nil
	})
	return err
}
