package bench

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var readCounter = CallSpec{ContractID: "counter", Method: "getCounter", ReadOnly: true}

func constCaller(v any) Caller {
	return CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		return v, nil
	})
}

func TestDispatchSingleAccountAllSucceed(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Caller: constCaller(7)})

	outcomes, err := d.Dispatch(context.Background(), readCounter, SingleAccount("a.testnet", 3))
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	for i, o := range outcomes {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, "a.testnet", o.AccountID)
		assert.Equal(t, 7, o.Value)
		assert.NoError(t, o.Err)
	}

	result := Reduce(outcomes, time.Second)
	assert.Equal(t, 3, result.SuccessCount)
	assert.Equal(t, 0, result.FailedCount)
	assert.Equal(t, []int{0, 1, 2}, successIndices(result))
	for _, s := range result.Successes {
		assert.Equal(t, 7, s.Value)
	}
}

func TestDispatchMultiAccountOneFailure(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		if accountID == "b" {
			return nil, &CallError{Kind: KindContractExecution, Message: "Exceeded prepaid gas"}
		}
		return "ok", nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	outcomes, err := d.Dispatch(context.Background(), CallSpec{ContractID: "counter", Method: "incrementCounter"}, MultiAccount("a", "b", "c"))
	require.NoError(t, err)

	result := Reduce(outcomes, time.Second)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, "b", result.Errors[0].AccountID)
	assert.Equal(t, "Exceeded prepaid gas", result.Errors[0].Message)
	assert.Equal(t, KindContractExecution, result.Errors[0].Kind)
}

func TestDispatchPreservesIndexUnderReversedCompletion(t *testing.T) {
	const n = 8
	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		// Later accounts finish first.
		idx := int(accountID[0] - 'a')
		time.Sleep(time.Duration(n-idx) * 5 * time.Millisecond)
		return accountID, nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	outcomes, err := d.Dispatch(context.Background(), readCounter, MultiAccount(ids...))
	require.NoError(t, err)

	for i, o := range outcomes {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, ids[i], o.Value)
	}
}

func TestDispatchRunsCallsConcurrently(t *testing.T) {
	const n = 10
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})

	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		arrived.Done()
		<-release
		return nil, nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	go func() {
		// Every call must be in flight at once before any is released.
		arrived.Wait()
		close(release)
	}()

	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(context.Background(), readCounter, SingleAccount("a", n))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not overlap calls")
	}
}

func TestDispatchNoFailFast(t *testing.T) {
	var calls atomic.Int32
	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		calls.Add(1)
		if accountID == "bad" {
			return nil, errors.New("boom")
		}
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	outcomes, err := d.Dispatch(context.Background(), readCounter, MultiAccount("bad", "a", "b", "c", "d"))
	require.NoError(t, err)
	assert.Equal(t, int32(5), calls.Load())

	result := Reduce(outcomes, 0)
	assert.Equal(t, 1, result.FailedCount)
	assert.Equal(t, 4, result.SuccessCount)
}

func TestDispatchRecoversPanics(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		if accountID == "b" {
			panic("nil signer")
		}
		return 1, nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	outcomes, err := d.Dispatch(context.Background(), readCounter, MultiAccount("a", "b", "c"))
	require.NoError(t, err)

	require.Error(t, outcomes[1].Err)
	assert.Nil(t, outcomes[1].Value)
	assert.NoError(t, outcomes[0].Err)
	assert.NoError(t, outcomes[2].Err)

	result := Reduce(outcomes, 0)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "call panicked", result.Errors[0].Message)
	assert.Equal(t, "nil signer", result.Errors[0].Reason)
	assert.NotEmpty(t, result.Errors[0].Trace)
}

func TestDispatchMalformedModeIssuesNoCalls(t *testing.T) {
	var calls atomic.Int32
	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	tests := []struct {
		name string
		mode DispatchMode
	}{
		{name: "zero repeat", mode: SingleAccount("a", 0)},
		{name: "negative repeat", mode: SingleAccount("a", -2)},
		{name: "no account", mode: SingleAccount("", 3)},
		{name: "empty list", mode: MultiAccount()},
		{name: "blank id", mode: MultiAccount("a", "")},
		{name: "zero value", mode: DispatchMode{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes, err := d.Dispatch(context.Background(), readCounter, tt.mode)
			assert.ErrorIs(t, err, ErrMalformedDispatchMode)
			assert.Equal(t, KindMalformedDispatchMode, KindOf(err))
			assert.Nil(t, outcomes)
		})
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestDispatchRecordsLatency(t *testing.T) {
	caller := CallerFunc(func(ctx context.Context, spec CallSpec, accountID string) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	d := NewDispatcher(DispatcherConfig{Caller: caller})

	outcomes, err := d.Dispatch(context.Background(), readCounter, SingleAccount("a", 2))
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.GreaterOrEqual(t, o.Latency, 20*time.Millisecond)
	}
}

func successIndices(r *DetailedResult) []int {
	idx := make([]int, len(r.Successes))
	for i, s := range r.Successes {
		idx[i] = s.Index
	}
	return idx
}
