package chain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/rpc"
)

// Messages used as histogram keys.
const (
	msgReverted       = "execution reverted"
	msgTxReverted     = "transaction reverted"
	msgOutOfGas       = "out of gas"
	msgRequestTimeout = "request timeout"
	msgNetwork        = "network error"
	msgReceiptTimeout = "receipt timeout"
)

// classify turns an error from a chain operation into a *bench.CallError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *bench.CallError
	if errors.As(err, &ce) {
		return err
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcCallError(op, rpcErr)
	}

	var httpErr *rpc.HTTPStatusError
	if errors.As(err, &httpErr) {
		return &bench.CallError{
			Kind:    bench.KindNetwork,
			Message: fmt.Sprintf("HTTP %d", httpErr.StatusCode),
			Reason:  httpErr.Error(),
			Trace:   op,
			Err:     err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &bench.CallError{Kind: bench.KindNetwork, Message: msgRequestTimeout, Reason: err.Error(), Trace: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &bench.CallError{Kind: bench.KindNetwork, Message: "request cancelled", Reason: err.Error(), Trace: op, Err: err}
	}

	if errors.Is(err, account.ErrUnknownAccount) || errors.Is(err, account.ErrInvalidKey) {
		return &bench.CallError{Kind: bench.KindUnknown, Message: "account unavailable", Reason: err.Error(), Trace: op, Err: err}
	}

	return &bench.CallError{Kind: bench.KindNetwork, Message: msgNetwork, Reason: err.Error(), Trace: op, Err: err}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rpcCallError maps a node-side rejection. Reverts carry their decoded
// reason; other rejections (nonce, underpriced, gas) use the node's message.
func rpcCallError(op string, rpcErr *rpc.RPCError) *bench.CallError {
	ce := &bench.CallError{
		Kind:    bench.KindContractExecution,
		Message: normalizeNodeMessage(rpcErr.Message),
		Reason:  rpcErr.Message,
		Code:    rpcErr.Code,
		Trace:   op,
		Err:     rpcErr,
	}
	if strings.HasPrefix(strings.ToLower(rpcErr.Message), msgReverted) {
		ce.Message = msgReverted
		if reason, ok := revertReason(rpcErr.Data); ok {
			ce.Reason = reason
		} else if rpcErr.Data != "" {
			ce.Reason = rpcErr.Data
		}
	}
	return ce
}

// normalizeNodeMessage strips per-call detail so identical failures group
// together, e.g. "nonce too low: next nonce 5, tx nonce 3" -> "nonce too low".
func normalizeNodeMessage(msg string) string {
	lower := strings.ToLower(msg)
	for _, known := range []string{
		msgReverted,
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"transaction underpriced",
		"insufficient funds",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"already known",
		msgOutOfGas,
	} {
		if strings.Contains(lower, known) {
			return known
		}
	}
	if msg == "" {
		return "rpc error"
	}
	return msg
}

func isNonceError(err error) bool {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	lower := strings.ToLower(rpcErr.Message)
	return strings.Contains(lower, "nonce too") || strings.Contains(lower, "already known")
}

// revertReason decodes Error(string) and Panic(uint256) revert payloads.
func revertReason(data string) (string, bool) {
	if data == "" {
		return "", false
	}
	raw, err := hexutil.Decode(data)
	if err != nil || len(raw) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", false
	}
	return reason, true
}
