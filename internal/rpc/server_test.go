package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeNode answers JSON-RPC requests from a method -> handler table.
type fakeNode struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *JSONRPCError)
	calls    map[string]int
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	node := &fakeNode{
		t:        t,
		handlers: make(map[string]func([]json.RawMessage) (any, *JSONRPCError)),
		calls:    make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)
	return node, srv
}

func (n *fakeNode) handle(method string, fn func(params []json.RawMessage) (any, *JSONRPCError)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = fn
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     int               `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.calls[req.Method]++
	fn, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = &JSONRPCError{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := fn(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func testClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestCallRetriesRetryableHTTPStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x10"}`))
	}))
	defer srv.Close()

	n, err := testClient(srv.URL).GetBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("GetBlockNumber: %v", err)
	}
	if n != 16 {
		t.Errorf("GetBlockNumber() = %d, want 16", n)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func TestCallDoesNotRetryRPCError(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_sendRawTransaction", func([]json.RawMessage) (any, *JSONRPCError) {
		return nil, &JSONRPCError{Code: -32000, Message: "nonce too low"}
	})

	err := testClient(srv.URL).SendRawTransaction(context.Background(), []byte{0x01})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Message != "nonce too low" {
		t.Errorf("Message = %q, want %q", rpcErr.Message, "nonce too low")
	}
	if got := node.count("eth_sendRawTransaction"); got != 1 {
		t.Errorf("sent %d times, want 1", got)
	}
}

func TestCallDoesNotRetryFatalHTTPStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetBlockNumber(context.Background())
	var httpErr *HTTPStatusError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("error = %v, want HTTP 401", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestRPCErrorCarriesRevertData(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_call", func([]json.RawMessage) (any, *JSONRPCError) {
		return nil, &JSONRPCError{Code: 3, Message: "execution reverted", Data: json.RawMessage(`"0x08c379a0"`)}
	})

	_, err := testClient(srv.URL).EthCall(context.Background(), CallMsg{To: "0x01"}, "")
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *RPCError", err)
	}
	if rpcErr.Data != "0x08c379a0" {
		t.Errorf("Data = %q, want 0x08c379a0", rpcErr.Data)
	}
}

func TestErrorData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"null", "null", ""},
		{"hex string", `"0xdead"`, "0xdead"},
		{"nested object", `{"data":"0xbeef"}`, "0xbeef"},
		{"other", `{"reason":"x"}`, `{"reason":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorData(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("errorData(%s) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestEthCallEncodesMessage(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_call", func(params []json.RawMessage) (any, *JSONRPCError) {
		var msg map[string]string
		json.Unmarshal(params[0], &msg)
		var block string
		json.Unmarshal(params[1], &block)
		if msg["to"] != "0x00000000000000000000000000000000000000aa" || msg["data"] != "0x8ada066e" || block != "latest" {
			return nil, &JSONRPCError{Code: -32602, Message: "bad params"}
		}
		return "0x0000000000000000000000000000000000000000000000000000000000000007", nil
	})

	out, err := testClient(srv.URL).EthCall(context.Background(), CallMsg{
		To:   "0x00000000000000000000000000000000000000aa",
		Data: []byte{0x8a, 0xda, 0x06, 0x6e},
	}, "")
	if err != nil {
		t.Fatalf("EthCall: %v", err)
	}
	if len(out) != 32 || out[31] != 7 {
		t.Errorf("EthCall() = %x, want 32-byte word 7", out)
	}
}

func TestGetTransactionReceipt(t *testing.T) {
	node, srv := newFakeNode(t)
	var included atomic.Bool
	node.handle("eth_getTransactionReceipt", func([]json.RawMessage) (any, *JSONRPCError) {
		if !included.Load() {
			return nil, nil
		}
		return map[string]string{
			"transactionHash":   "0xabc",
			"status":            "0x1",
			"gasUsed":           "0x5208",
			"blockNumber":       "0x2a",
			"effectiveGasPrice": "0x3b9aca00",
		}, nil
	})
	client := testClient(srv.URL)

	receipt, err := client.GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetTransactionReceipt: %v", err)
	}
	if receipt != nil {
		t.Fatalf("receipt = %+v, want nil before inclusion", receipt)
	}

	included.Store(true)
	receipt, err = client.GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetTransactionReceipt: %v", err)
	}
	want := TransactionReceipt{TxHash: "0xabc", Status: 1, GasUsed: 21000, BlockNumber: 42, EffectiveGasPrice: 1_000_000_000}
	if *receipt != want {
		t.Errorf("receipt = %+v, want %+v", *receipt, want)
	}
}

func TestGetBlockNumberByTag(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_getBlockByNumber", func(params []json.RawMessage) (any, *JSONRPCError) {
		var tag string
		json.Unmarshal(params[0], &tag)
		switch tag {
		case "finalized":
			return map[string]string{"number": "0x64"}, nil
		case "safe":
			return nil, nil
		}
		return nil, &JSONRPCError{Code: -32602, Message: "unknown block tag"}
	})
	client := testClient(srv.URL)

	n, err := client.GetBlockNumberByTag(context.Background(), "finalized")
	if err != nil {
		t.Fatalf("GetBlockNumberByTag(finalized): %v", err)
	}
	if n != 100 {
		t.Errorf("GetBlockNumberByTag(finalized) = %d, want 100", n)
	}

	for _, tag := range []string{"safe", "bogus"} {
		if _, err := client.GetBlockNumberByTag(context.Background(), tag); !errors.Is(err, ErrTagNotSupported) {
			t.Errorf("GetBlockNumberByTag(%s) error = %v, want ErrTagNotSupported", tag, err)
		}
	}
}

func TestChainIDAndNonce(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_chainId", func([]json.RawMessage) (any, *JSONRPCError) { return "0x7a69", nil })
	node.handle("eth_getTransactionCount", func(params []json.RawMessage) (any, *JSONRPCError) {
		var tag string
		json.Unmarshal(params[1], &tag)
		if tag != "pending" {
			return nil, &JSONRPCError{Code: -32602, Message: "want pending"}
		}
		return "0x5", nil
	})
	client := testClient(srv.URL)

	id, err := client.ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID: %v", err)
	}
	if id.Int64() != 31337 {
		t.Errorf("ChainID() = %s, want 31337", id)
	}

	nonce, err := client.GetNonce(context.Background(), "0x01")
	if err != nil {
		t.Fatalf("GetNonce: %v", err)
	}
	if nonce != 5 {
		t.Errorf("GetNonce() = %d, want 5", nonce)
	}
}

func TestGetCode(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_getCode", func(params []json.RawMessage) (any, *JSONRPCError) {
		var addr string
		json.Unmarshal(params[0], &addr)
		if addr == "0x02" {
			return "0x6001", nil
		}
		return "0x", nil
	})
	client := testClient(srv.URL)

	code, err := client.GetCode(context.Background(), "0x02")
	if err != nil {
		t.Fatalf("GetCode: %v", err)
	}
	if len(code) != 2 || code[0] != 0x60 || code[1] != 0x01 {
		t.Errorf("GetCode() = %x, want 6001", code)
	}

	code, err = client.GetCode(context.Background(), "0x03")
	if err != nil {
		t.Fatalf("GetCode(empty): %v", err)
	}
	if code != nil {
		t.Errorf("GetCode(empty) = %x, want nil", code)
	}
}

func TestObserveCalledPerCall(t *testing.T) {
	node, srv := newFakeNode(t)
	node.handle("eth_blockNumber", func([]json.RawMessage) (any, *JSONRPCError) { return "0x1", nil })

	var mu sync.Mutex
	var methods []string
	cfg := DefaultClientConfig(srv.URL)
	cfg.Observe = func(method string, d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		methods = append(methods, method)
	}
	client := NewHTTPClient(cfg)

	if _, err := client.GetBlockNumber(context.Background()); err != nil {
		t.Fatalf("GetBlockNumber: %v", err)
	}
	if len(methods) != 1 || methods[0] != "eth_blockNumber" {
		t.Errorf("observed %v, want [eth_blockNumber]", methods)
	}
}
