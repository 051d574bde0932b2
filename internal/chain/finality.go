package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/rpc"
)

// HeadWaiter blocks until the chain head reaches a block number.
type HeadWaiter interface {
	WaitForBlock(ctx context.Context, n uint64) error
}

// waitForReceipt polls for the receipt of txHash until it appears or the
// receipt timeout passes. Transient lookup errors are retried.
func (c *Client) waitForReceipt(ctx context.Context, txHash string) (*rpc.TransactionReceipt, error) {
	timeoutCh := time.After(c.receiptTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.rpc.GetTransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, classify("wait receipt "+txHash, ctx.Err())
		case <-timeoutCh:
			ce := &bench.CallError{
				Kind:    bench.KindNetwork,
				Message: msgReceiptTimeout,
				Reason:  fmt.Sprintf("no receipt for %s after %s", txHash, c.receiptTimeout),
				Trace:   "tx " + txHash,
				Err:     lastErr,
			}
			return nil, ce
		case <-ticker.C:
		}
	}
}

// waitForFinal blocks until block is final. The node's "finalized" tag is
// used when available; otherwise the block must be buried under
// confirmationDepth blocks.
func (c *Client) waitForFinal(ctx context.Context, block uint64, txHash string) error {
	timeoutCh := time.After(c.receiptTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		finalized, err := c.rpc.GetBlockNumberByTag(ctx, "finalized")
		if errors.Is(err, rpc.ErrTagNotSupported) {
			return c.waitForDepth(ctx, block, txHash)
		}
		if err == nil && finalized >= block {
			return nil
		}

		select {
		case <-ctx.Done():
			return classify("wait finality "+txHash, ctx.Err())
		case <-timeoutCh:
			return &bench.CallError{
				Kind:    bench.KindNetwork,
				Message: "finality timeout",
				Reason:  fmt.Sprintf("block %d not finalized after %s", block, c.receiptTimeout),
				Trace:   fmt.Sprintf("tx %s block %d", txHash, block),
			}
		case <-ticker.C:
		}
	}
}

// waitForDepth waits for block+confirmationDepth, through the head watcher
// when one is configured and by polling otherwise.
func (c *Client) waitForDepth(ctx context.Context, block uint64, txHash string) error {
	target := block + c.confirmationDepth

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	if c.heads != nil {
		err := c.heads.WaitForBlock(waitCtx, target)
		if err == nil {
			return nil
		}
		if waitCtx.Err() != nil {
			return depthTimeout(target, txHash, c.receiptTimeout)
		}
		// Subscription dropped; fall through to polling.
		c.logger.Debug("head watcher unavailable, polling", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		head, err := c.rpc.GetBlockNumber(waitCtx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return classify("wait confirmations "+txHash, ctx.Err())
			}
			return depthTimeout(target, txHash, c.receiptTimeout)
		case <-ticker.C:
		}
	}
}

func depthTimeout(target uint64, txHash string, after time.Duration) error {
	return &bench.CallError{
		Kind:    bench.KindNetwork,
		Message: "finality timeout",
		Reason:  fmt.Sprintf("head did not reach block %d after %s", target, after),
		Trace:   "tx " + txHash,
	}
}
