// Package oracle talks to the escrow chain gateway that holds authoritative
// contract state for every order.
package oracle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/gamerboy74/agrisync/errs"
)

// ContractDetails is the authoritative escrow snapshot for one contract.
type ContractDetails struct {
	ContractID string          `json:"contractId"`
	StatusCode uint8           `json:"statusCode"`
	Amount     decimal.Decimal `json:"amount"`
	BlockRef   uint64          `json:"blockRef"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// StatusSource resolves the authoritative status for a contract.
type StatusSource interface {
	ContractStatus(ctx context.Context, contractID string) (ContractDetails, error)
}

// Client is a JSON-RPC 2.0 client for the chain gateway.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	idGen    atomic.Uint64
}

// ClientOptions tunes the gateway client.
type ClientOptions struct {
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
	HTTPClient     *http.Client
}

const (
	defaultRequestTimeout = 5 * time.Second
	defaultRatePerSecond  = 20
	defaultRateBurst      = 40

	methodGetContract = "escrow_getContract"
)

// NewClient constructs a gateway client for the given JSON-RPC endpoint.
func NewClient(endpoint string, opts ClientOptions) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errs.New("oracle/client", errs.CodeInvalid, errs.WithMessage("endpoint required"))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = defaultRatePerSecond
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	c := new(Client)
	c.endpoint = endpoint
	c.http = httpClient
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	c.timeout = timeout
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ContractStatus fetches the authoritative contract snapshot from the gateway.
func (c *Client) ContractStatus(ctx context.Context, contractID string) (ContractDetails, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return ContractDetails{}, errs.New("oracle/client", errs.CodeInvalid, errs.WithMessage("contract id required"))
	}
	var details ContractDetails
	if err := c.call(ctx, methodGetContract, []any{contractID}, &details); err != nil {
		return ContractDetails{}, err
	}
	if strings.TrimSpace(details.ContractID) == "" {
		details.ContractID = contractID
	}
	return details, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New("oracle/client", errs.CodeRateLimited,
			errs.WithMessage("rate limiter wait aborted"), errs.WithCause(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: c.idGen.Add(1)}
	body, err := json.Marshal(req)
	if err != nil {
		return errs.New("oracle/client", errs.CodeInternal,
			errs.WithMessage("marshal request"), errs.WithCause(err))
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errs.New("oracle/client", errs.CodeInternal,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errs.New("oracle/client", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("call %s", method)), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New("oracle/client", errs.CodeRateLimited,
			errs.WithMessage("gateway throttled the request"),
			errs.WithRemediation("slow the reconcile cadence or raise the gateway quota"))
	case resp.StatusCode >= 500:
		return errs.New("oracle/client", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("gateway returned %d", resp.StatusCode)))
	case resp.StatusCode != http.StatusOK:
		return errs.New("oracle/client", errs.CodeInternal,
			errs.WithMessage(fmt.Sprintf("gateway returned %d", resp.StatusCode)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New("oracle/client", errs.CodeNetwork,
			errs.WithMessage("read response"), errs.WithCause(err))
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return errs.New("oracle/client", errs.CodeInternal,
			errs.WithMessage("decode response"), errs.WithCause(err))
	}
	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return errs.New("oracle/client", errs.CodeInternal,
				errs.WithMessage("decode result"), errs.WithCause(err))
		}
	}
	return nil
}

// JSON-RPC application error codes published by the gateway.
const (
	rpcCodeNotFound  = -32004
	rpcCodeThrottled = -32005
)

func mapRPCError(method string, rpcErr *rpcError) error {
	switch rpcErr.Code {
	case rpcCodeNotFound:
		return errs.New("oracle/client", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("%s: contract not found", method)), errs.WithCause(rpcErr))
	case rpcCodeThrottled:
		return errs.New("oracle/client", errs.CodeRateLimited,
			errs.WithMessage(fmt.Sprintf("%s: gateway throttled", method)), errs.WithCause(rpcErr))
	default:
		return errs.New("oracle/client", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("%s failed", method)), errs.WithCause(rpcErr))
	}
}
