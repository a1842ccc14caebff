package fatable

import (
	"fmt"

	"github.com/torvikrun/gofat/common"
	"github.com/torvikrun/gofat/boot"
)

// Chain is a lazy iterator over a cluster chain (C7), walking the FAT one
// entry at a time starting from a given cluster until EndOfChain, exactly
// the way the teacher's listClusters/getClusterInChain walk a chain
// (drivers/fat/driverbase.go), generalized here to detect and surface
// corruption instead of returning it as a driver-internal error type.
type Chain struct {
	table   *Table
	current boot.ClusterID
	started bool
	done    bool
}

// NewChain begins iteration at first. A first of 0 denotes an empty file
// (spec.md §3 "first_cluster (None for empty files)"); Next immediately
// reports done in that case.
func NewChain(table *Table, first boot.ClusterID) *Chain {
	return &Chain{table: table, current: first, done: first == 0}
}

// Next returns the next cluster in the chain, or ok == false when the
// chain has ended. An error indicates the chain hit a Bad or Reserved
// entry before EndOfChain (spec.md §4.7 "Short-circuits on Bad/Reserved
// with CorruptedFileSystem").
func (c *Chain) Next() (cluster boot.ClusterID, ok bool, err error) {
	if c.done {
		return 0, false, nil
	}
	if !c.started {
		c.started = true
		return c.current, true, nil
	}

	val, err := c.table.Get(c.current)
	if err != nil {
		return 0, false, err
	}
	switch {
	case val.IsEndOfChain():
		c.done = true
		return 0, false, nil
	case val.IsData():
		c.current = val.Next()
		return c.current, true, nil
	default:
		c.done = true
		return 0, false, fmt.Errorf("%w: cluster chain hit a Bad or Reserved FAT entry mid-chain",
			common.ErrCorrupted)
	}
}

// Clusters walks the entire chain eagerly and returns it as a slice. Safe
// for chains bounded by a directory entry's declared size; not meant for
// walking an unbounded or adversarial chain.
func Clusters(table *Table, first boot.ClusterID) ([]boot.ClusterID, error) {
	if first == 0 {
		return nil, nil
	}
	var out []boot.ClusterID
	c := NewChain(table, first)
	for {
		cl, ok, err := c.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, cl)
	}
}

// Truncate walks the chain from first, keeps exactly keepCount clusters
// (setting the new tail to EndOfChain), and frees the remainder (spec.md
// §4.7 "Truncation"). keepCount == 0 frees the entire chain and returns a
// first cluster of 0.
func Truncate(table *Table, first boot.ClusterID, keepCount int, freeFn func(boot.ClusterID) error) (newFirst boot.ClusterID, err error) {
	if first == 0 || keepCount == 0 {
		if first != 0 {
			if err := Free(table, first, freeFn); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	clusters, err := Clusters(table, first)
	if err != nil {
		return 0, err
	}
	if keepCount >= len(clusters) {
		return first, nil
	}

	tail := clusters[keepCount-1]
	if err := table.Set(tail, EndOfChainValue); err != nil {
		return 0, err
	}
	for _, cl := range clusters[keepCount:] {
		if err := table.Set(cl, FreeValue); err != nil {
			return 0, err
		}
		if freeFn != nil {
			if err := freeFn(cl); err != nil {
				return 0, err
			}
		}
	}
	return first, nil
}

// Free walks the entire chain from first and marks every entry Free
// (spec.md §4.7 "Free"). freeFn, if non-nil, is invoked per cluster so a
// caller-supplied allocator (e.g. the bitmap allocator) can update its own
// bookkeeping.
func Free(table *Table, first boot.ClusterID, freeFn func(boot.ClusterID) error) error {
	clusters, err := Clusters(table, first)
	if err != nil {
		// Still free whatever we managed to discover before the corruption.
		for _, cl := range clusters {
			_ = table.Set(cl, FreeValue)
			if freeFn != nil {
				_ = freeFn(cl)
			}
		}
		return err
	}
	for _, cl := range clusters {
		if err := table.Set(cl, FreeValue); err != nil {
			return err
		}
		if freeFn != nil {
			if err := freeFn(cl); err != nil {
				return err
			}
		}
	}
	return nil
}
