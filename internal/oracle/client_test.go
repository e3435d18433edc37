package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/gamerboy74/agrisync/errs"
)

func TestClientContractStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "2.0", req.JSONRPC)
		require.Equal(t, methodGetContract, req.Method)
		require.Len(t, req.Params, 1)
		require.Equal(t, "contract-42", req.Params[0])

		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]any{
				"contractId": "contract-42",
				"statusCode": 2,
				"amount":     "1250.50",
				"blockRef":   9001,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, ClientOptions{})
	require.NoError(t, err)

	details, err := client.ContractStatus(context.Background(), "contract-42")
	require.NoError(t, err)
	require.Equal(t, "contract-42", details.ContractID)
	require.Equal(t, uint8(2), details.StatusCode)
	require.Equal(t, "1250.5", details.Amount.String())
	require.Equal(t, uint64(9001), details.BlockRef)
}

func TestClientContractStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": rpcCodeNotFound, "message": "unknown contract"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, ClientOptions{})
	require.NoError(t, err)

	_, err = client.ContractStatus(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestClientContractStatusServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, ClientOptions{})
	require.NoError(t, err)

	_, err = client.ContractStatus(context.Background(), "contract-42")
	require.Error(t, err)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestClientContractStatusThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, ClientOptions{})
	require.NoError(t, err)

	_, err = client.ContractStatus(context.Background(), "contract-42")
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
}

func TestClientRejectsEmptyContractID(t *testing.T) {
	client, err := NewClient("http://gateway.local/rpc", ClientOptions{})
	require.NoError(t, err)

	_, err = client.ContractStatus(context.Background(), "   ")
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}
