package workerpool

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(req Request, reverse ReverseCaller) (interface{}, error) {
	return req.Payload, nil
}

func TestSubmitRoundTripsPayload(t *testing.T) {
	p := New(Options{NumWorkers: 2, Handler: echoHandler})
	defer p.Close()

	resp := <-p.Submit("runTransform", "hello")
	assert.NoError(t, resp.Err)
	assert.Equal(t, "hello", resp.Result)
}

func TestSubmitAssignsMonotonicIndexes(t *testing.T) {
	p := New(Options{NumWorkers: 1, Handler: echoHandler})
	defer p.Close()

	var indexes []uint64
	var chans []<-chan Response
	for i := 0; i < 5; i++ {
		chans = append(chans, p.Submit("runTransform", i))
	}
	for _, ch := range chans {
		indexes = append(indexes, (<-ch).Index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	for i := range indexes {
		assert.Equal(t, uint64(i+1), indexes[i])
	}
}

func TestSubmitBatchReordersOutOfOrderResponsesBackToCallOrder(t *testing.T) {
	// Each call sleeps (5 - payload) ms, so later calls finish first:
	// the response stream
	// genuinely arrives out of order, and SubmitBatch must still hand
	// results back aligned to the call slice's order.
	delayed := func(req Request, reverse ReverseCaller) (interface{}, error) {
		n := req.Payload.(int)
		time.Sleep(time.Duration(5-n) * time.Millisecond)
		return n, nil
	}
	p := New(Options{NumWorkers: 5, Handler: delayed})
	defer p.Close()

	calls := make([]Call, 5)
	for i := range calls {
		calls[i] = Call{Method: "runTransform", Payload: i}
	}
	responses := p.SubmitBatch(calls)
	for i, resp := range responses {
		require.NoError(t, resp.Err)
		assert.Equal(t, i, resp.Result)
	}
}

func TestHandlerPanicBecomesPluginErrorResponse(t *testing.T) {
	panics := func(req Request, reverse ReverseCaller) (interface{}, error) {
		panic("boom")
	}
	p := New(Options{NumWorkers: 1, Handler: panics})
	defer p.Close()

	resp := <-p.Submit("runTransform", nil)
	assert.Error(t, resp.Err)
}

func TestReverseCallRoutesToRegisteredHandler(t *testing.T) {
	var gotWorkerID int32 = -1
	handler := func(req Request, reverse ReverseCaller) (interface{}, error) {
		return reverse("loadConfig", "forge.config.json")
	}
	p := New(Options{NumWorkers: 1, Handler: handler})
	defer p.Close()

	p.RegisterReverseHandler("loadConfig", func(workerID int, method Method, payload interface{}) (interface{}, error) {
		atomic.StoreInt32(&gotWorkerID, int32(workerID))
		return "config for " + payload.(string), nil
	})

	resp := <-p.Submit("runTransform", nil)
	require.NoError(t, resp.Err)
	assert.Equal(t, "config for forge.config.json", resp.Result)
	assert.Equal(t, int32(0), atomic.LoadInt32(&gotWorkerID))
}

func TestReverseCallWithNoRegisteredHandlerErrors(t *testing.T) {
	handler := func(req Request, reverse ReverseCaller) (interface{}, error) {
		return reverse("invalidateRequireCache", nil)
	}
	p := New(Options{NumWorkers: 1, Handler: handler})
	defer p.Close()

	resp := <-p.Submit("runTransform", nil)
	assert.Error(t, resp.Err)
}

func TestReverseCallConcurrencyIsBoundedPerWorker(t *testing.T) {
	// A handler that fans out more concurrent reverse calls than
	// MaxConcurrentCallsPerWorker allows; the semaphore in worker.Process
	// must cap how many are running against the registered handler at
	// once, even though the handler itself takes no lock.
	const maxCalls = 2
	var current, maxSeen int32
	slowReverse := func(workerID int, method Method, payload interface{}) (interface{}, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	}

	fanOut := func(req Request, reverse ReverseCaller) (interface{}, error) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				reverse("probe", nil)
			}()
		}
		wg.Wait()
		return nil, nil
	}

	p := New(Options{NumWorkers: 1, MaxConcurrentCallsPerWorker: maxCalls, Handler: fanOut})
	defer p.Close()
	p.RegisterReverseHandler("probe", slowReverse)

	resp := <-p.Submit("runTransform", nil)
	require.NoError(t, resp.Err)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), maxCalls)
}
