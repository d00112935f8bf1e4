package relay

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MapResult is the outcome of mapping one item.
type MapResult struct {
	Index  int    `json:"index"`
	Item   any    `json:"item"`
	Result any    `json:"result,omitempty"`
	Err    string `json:"error,omitempty"`
}

// MapReduceStats summarises a map-reduce execution.
type MapReduceStats struct {
	Total      int `json:"total"`
	Filtered   int `json:"filtered"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// MapReduceConfig describes a fan-out/fold node. Items are filtered,
// transformed, mapped with bounded concurrency, then folded in item
// order.
type MapReduceConfig struct {
	// Items produces the input sequence from workflow state.
	Items func(s *State) []any
	// Filter drops items before mapping. Nil keeps everything.
	Filter func(item any, index int) bool
	// Transform rewrites items before mapping. Nil passes through.
	Transform func(item any, index int) any
	// Mapper runs per item. Required.
	Mapper func(ctx context.Context, item any, index int, s *State) (any, error)
	// Concurrency bounds parallel mapper calls: 0 is as-parallel-as-
	// possible, 1 is sequential, N is batched.
	Concurrency int
	// Initial seeds the fold accumulator.
	Initial any
	// Reducer folds one result into the accumulator. Nil skips the
	// fold and leaves the raw results.
	Reducer func(acc any, r MapResult) any
	// Finalize rewrites the accumulator once after the fold.
	Finalize func(acc any, stats MapReduceStats) any
	// IncludeFailed folds failed results too; by default only
	// successes reach the reducer.
	IncludeFailed bool
	// ContinueOnError collects per-item failures instead of aborting
	// on the first one.
	ContinueOnError bool
	// OnProgress fires after each mapped item.
	OnProgress func(done, total int, r MapResult)
}

// MapReduce defines a workflow node that fans out over a sequence and
// folds the results. It writes "<name>.reduced", "<name>.results", and
// "<name>.stats" into workflow state.
func MapReduce(name string, cfg MapReduceConfig, opts ...NodeOption) WorkflowOption {
	return Node(name, mapReduceFunc(name, cfg), opts...)
}

func mapReduceFunc(name string, cfg MapReduceConfig) NodeFunc {
	return func(ctx context.Context, s *State) error {
		if cfg.Items == nil || cfg.Mapper == nil {
			return &ValidationError{Subject: "node " + name, Detail: "map-reduce needs Items and Mapper"}
		}

		items := cfg.Items(s)
		stats := MapReduceStats{Total: len(items)}

		// Filter and transform up front so indices are stable for the
		// mapper and progress callbacks.
		type work struct {
			index int
			item  any
		}
		var pending []work
		for i, item := range items {
			if cfg.Filter != nil && !cfg.Filter(item, i) {
				stats.Filtered++
				continue
			}
			if cfg.Transform != nil {
				item = cfg.Transform(item, i)
			}
			pending = append(pending, work{index: i, item: item})
		}

		results := make([]MapResult, len(pending))
		var (
			progressMu sync.Mutex
			done       int
		)
		g, gctx := errgroup.WithContext(ctx)
		if cfg.Concurrency > 0 {
			g.SetLimit(cfg.Concurrency)
		}
		for slot, w := range pending {
			g.Go(func() error {
				out, err := cfg.Mapper(gctx, w.item, w.index, s)
				r := MapResult{Index: w.index, Item: w.item, Result: out, Err: errString(err)}
				results[slot] = r

				progressMu.Lock()
				done++
				d := done
				progressMu.Unlock()
				if cfg.OnProgress != nil {
					cfg.OnProgress(d, len(pending), r)
				}

				if err != nil && !cfg.ContinueOnError {
					return fmt.Errorf("item %d: %w", w.index, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for _, r := range results {
			if r.Err == "" {
				stats.Successful++
			} else {
				stats.Failed++
			}
		}

		acc := cfg.Initial
		if cfg.Reducer != nil {
			for _, r := range results {
				if r.Err != "" && !cfg.IncludeFailed {
					continue
				}
				acc = cfg.Reducer(acc, r)
			}
		}
		if cfg.Finalize != nil {
			acc = cfg.Finalize(acc, stats)
		}

		s.Set(name+".reduced", acc)
		s.Set(name+".results", results)
		s.Set(name+".stats", stats)
		return nil
	}
}
