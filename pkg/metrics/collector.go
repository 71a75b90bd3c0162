package metrics

import (
	"context"
	"time"

	"github.com/meatballspaghetti/fate/pkg/storage"
	"github.com/meatballspaghetti/fate/pkg/types"
)

// Collector periodically samples the transaction store and publishes
// per-status gauge counts, independent of the hot path the worker pool and
// work finder run on.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := make(map[string]int)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	items, err := c.store.List(ctx, "")
	if err != nil {
		return
	}
	for _, item := range items {
		view, err := c.store.Read(ctx, item.ID)
		if err != nil {
			continue
		}
		counts[string(view.Status)]++
	}

	for _, status := range types.AllStatuses {
		TransactionsTotal.WithLabelValues(string(status)).Set(float64(counts[string(status)]))
	}
}
