package fate

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/meatballspaghetti/fate/pkg/types"
)

// WaitResult reports the terminal outcome of one awaited transaction.
// Done is false when the wait window elapsed before the transaction
// reached a terminal status; Status then carries whatever was last
// observed.
type WaitResult struct {
	ID     string       `json:"id"`
	Status types.Status `json:"status"`
	Done   bool         `json:"done"`
}

// terminalStatuses is what WaitForCompletion waits for. UNKNOWN counts:
// an auto-cleaned transaction deletes its record on success, so "gone" is
// a terminal observation, not an error.
var terminalStatuses = []types.Status{
	types.StatusSuccessful,
	types.StatusFailed,
	types.StatusUnknown,
}

// WaitForCompletion blocks until every id reaches a terminal status or
// timeout elapses, whichever comes first, and returns one result per id.
// Each id has its own waiter, and results are gathered off a single channel
// in the order transactions finish; the call returns once every waiter has
// reported, so the slowest transaction (or the timeout) bounds the batch.
func (e *Executor) WaitForCompletion(ctx context.Context, ids []types.ID, timeout time.Duration) []WaitResult {
	// The derived cancel releases any per-id waiter still in flight once
	// the batch below has returned, partial or not.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := time.Now().Add(timeout)
	ch := make(chan WaitResult)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			status, err := e.store.WaitForStatusChange(ctx, id, terminalStatuses, deadline)
			res := WaitResult{ID: id.String(), Status: status}
			if err == nil {
				for _, t := range terminalStatuses {
					if status == t {
						res.Done = true
						break
					}
				}
			}
			select {
			case ch <- res:
			case <-ctx.Done():
			}
		}(id)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	results := make([]WaitResult, 0, len(ids))
	err := longpoll.Channel(ctx, &longpoll.ChannelConfig{
		MaxSize:        len(ids),
		MinSize:        len(ids),
		PartialTimeout: timeout,
	}, ch, func(res WaitResult) error {
		results = append(results, res)
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// handler never errors, so anything else is a programming bug.
		panic(err)
	}

	// Top up the batch with a current-status snapshot for any id whose
	// waiter had not reported by the time the window closed.
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		seen[res.ID] = true
	}
	for _, id := range ids {
		if seen[id.String()] {
			continue
		}
		res := WaitResult{ID: id.String(), Status: types.StatusUnknown}
		if view, readErr := e.store.Read(context.WithoutCancel(ctx), id); readErr == nil {
			res.Status = view.Status
		}
		results = append(results, res)
	}
	return results
}
