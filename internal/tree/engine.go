// Package tree implements folder operations on top of flat copy and delete
// primitives.
//
// Work is issued in fixed-size batches. Every call in a batch targets a
// distinct key; batch N+1 starts only after batch N has fully resolved. A
// failure stops the operation and names the first failing key in batch
// order. Nothing is rolled back.
package tree

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/metrics"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/namespace"
	"github.com/damacus/iron-folders/internal/services"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options tunes batching. The values are empirical, not invariants.
type Options struct {
	BatchSize      int
	BatchPause     time.Duration
	MaxDescendants int
}

// DefaultOptions returns the stock batching.
func DefaultOptions() Options {
	return Options{
		BatchSize:      100,
		BatchPause:     0,
		MaxDescendants: 5000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.MaxDescendants <= 0 {
		o.MaxDescendants = d.MaxDescendants
	}
	if o.BatchPause < 0 {
		o.BatchPause = 0
	}
	return o
}

// Engine runs folder operations against one container.
type Engine struct {
	store   services.ObjectStore
	ns      *namespace.Adapter
	opts    Options
	metrics *metrics.Metrics
}

// New creates an engine over the adapter's store.
func New(ns *namespace.Adapter, opts Options) *Engine {
	return &Engine{
		store:   ns.Store(),
		ns:      ns,
		opts:    opts.withDefaults(),
		metrics: metrics.Get(),
	}
}

// CopyOne copies a single key server-side.
func (e *Engine) CopyOne(ctx context.Context, src, dst string) error {
	return e.store.Copy(ctx, src, dst)
}

// DeleteOne removes a single key.
func (e *Engine) DeleteOne(ctx context.Context, key string) error {
	return e.store.Delete(ctx, key)
}

// CheckContainment rejects placing folder src at or below dst's subtree
// when dst lies inside src. Pure string comparison on normalized prefixes.
func CheckContainment(src, dst string) error {
	src = namespace.NormalizePrefix(src)
	dst = namespace.NormalizePrefix(dst)
	if src != "" && strings.HasPrefix(dst, src) {
		return apperr.Newf(apperr.Invalid, "transfer", "cannot place %q inside itself (%q)", src, dst).WithKey(src)
	}
	return nil
}

func (e *Engine) logger(op, opID string) zerolog.Logger {
	return log.With().Str("op", op).Str("operation_id", opID).Logger()
}

// pause yields between batches.
func (e *Engine) pause() {
	runtime.Gosched()
	if e.opts.BatchPause > 0 {
		time.Sleep(e.opts.BatchPause)
	}
}

// runBatches calls fn for indices [0, n) in batches. It returns how many
// calls succeeded and, on failure, an error pinned to the lowest failing
// index. Every other failure of that batch is joined into its cause.
func (e *Engine) runBatches(ctx context.Context, op string, n int, keyOf func(i int) string, fn func(ctx context.Context, i int) error) (int, error) {
	done := 0
	for start := 0; start < n; start += e.opts.BatchSize {
		end := min(start+e.opts.BatchSize, n)
		errs := make([]error, end-start)

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				errs[i-start] = fn(ctx, i)
				return nil
			})
		}
		_ = g.Wait()
		e.metrics.TreeBatches.Inc()

		var failures []error
		first := -1
		for j, err := range errs {
			if err == nil {
				continue
			}
			if first < 0 {
				first = j
			}
			key := keyOf(start + j)
			log.Warn().Err(err).Str("op", op).Str("key", key).Msg("batch item failed")
			failures = append(failures, apperr.AtKey(op, key, err))
		}
		done += len(errs) - len(failures)
		e.metrics.TreeItems.WithLabelValues(op, "ok").Add(float64(len(errs) - len(failures)))
		if first >= 0 {
			e.metrics.TreeItems.WithLabelValues(op, "failed").Add(float64(len(failures)))
			batchErr := apperr.AtKey(op, keyOf(start+first), errs[first])
			if len(failures) > 1 {
				batchErr.Err = errors.Join(append([]error{errs[first]}, failures[1:]...)...)
			}
			return done, batchErr
		}
		if end < n {
			e.pause()
		}
	}
	return done, nil
}

// RenameFile moves one key. A rerun after success is a no-op.
func (e *Engine) RenameFile(ctx context.Context, src, dst string) error {
	src = namespace.NormalizeKey(src)
	dst = namespace.NormalizeKey(dst)
	if src == "" || dst == "" || strings.HasSuffix(src, namespace.Delimiter) || strings.HasSuffix(dst, namespace.Delimiter) {
		return apperr.New(apperr.Invalid, "rename", "source and destination must be file keys")
	}
	if src == dst {
		return nil
	}

	if _, err := e.store.Head(ctx, src); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			if ok, herr := e.ns.FileExists(ctx, dst); herr == nil && ok {
				return nil
			}
		}
		return err
	}
	if err := e.CopyOne(ctx, src, dst); err != nil {
		return apperr.AtKey("copy", src, err)
	}
	if err := e.DeleteOne(ctx, src); err != nil {
		return apperr.AtKey("delete", src, err)
	}
	log.Info().Str("source", src).Str("destination", dst).Msg("file renamed")
	return nil
}

// RenameOrMoveFolder moves every key under src to the same relative path
// under dst. Originals are deleted only after every copy batch succeeded.
func (e *Engine) RenameOrMoveFolder(ctx context.Context, src, dst string) (models.TreeResult, error) {
	return e.transferFolder(ctx, "move", src, dst, true)
}

// CopyFolder duplicates every key under src below dst.
func (e *Engine) CopyFolder(ctx context.Context, src, dst string) (models.TreeResult, error) {
	return e.transferFolder(ctx, "copy", src, dst, false)
}

func (e *Engine) transferFolder(ctx context.Context, op, src, dst string, move bool) (models.TreeResult, error) {
	src = namespace.NormalizePrefix(src)
	dst = namespace.NormalizePrefix(dst)
	res := models.TreeResult{OperationID: uuid.NewString(), Source: src, Destination: dst}

	if src == "" || dst == "" {
		return res, apperr.New(apperr.Invalid, op, "source and destination folders are required")
	}
	if err := CheckContainment(src, dst); err != nil {
		return res, err
	}
	logger := e.logger(op, res.OperationID)

	recs, err := e.ns.CollectKeys(ctx, src, e.opts.MaxDescendants)
	if err != nil {
		return res, err
	}
	if len(recs) == 0 {
		res.SourceEmpty = true
		logger.Info().Str("source", src).Msg("source already empty, nothing to do")
		return res, nil
	}

	target := func(i int) string { return dst + strings.TrimPrefix(recs[i].Key, src) }
	source := func(i int) string { return recs[i].Key }

	logger.Info().Str("source", src).Str("destination", dst).Int("objects", len(recs)).Msg("folder transfer started")
	res.Copied, err = e.runBatches(ctx, "copy", len(recs), source, func(ctx context.Context, i int) error {
		return e.CopyOne(ctx, recs[i].Key, target(i))
	})
	if err != nil {
		logger.Error().Err(err).Int("copied", res.Copied).Msg("folder transfer stopped")
		return res, err
	}

	if move {
		res.Deleted, err = e.runBatches(ctx, "delete", len(recs), source, func(ctx context.Context, i int) error {
			return e.DeleteOne(ctx, recs[i].Key)
		})
		if err != nil {
			logger.Error().Err(err).Int("deleted", res.Deleted).Msg("folder move stopped while removing originals")
			return res, err
		}
	}

	logger.Info().Int("copied", res.Copied).Int("deleted", res.Deleted).Msg("folder transfer finished")
	return res, nil
}

// DeleteFolder removes every key under prefix, one listing page at a time.
func (e *Engine) DeleteFolder(ctx context.Context, prefix string) (models.TreeResult, error) {
	prefix = namespace.NormalizePrefix(prefix)
	res := models.TreeResult{OperationID: uuid.NewString(), Source: prefix}
	if prefix == "" {
		return res, apperr.New(apperr.Invalid, "delete", "refusing to delete the container root")
	}
	logger := e.logger("delete", res.OperationID)

	err := e.ns.Walk(ctx, prefix, func(page []services.ObjectRecord) error {
		n, err := e.runBatches(ctx, "delete", len(page), func(i int) string { return page[i].Key }, func(ctx context.Context, i int) error {
			return e.DeleteOne(ctx, page[i].Key)
		})
		res.Deleted += n
		return err
	})
	if err != nil {
		logger.Error().Err(err).Int("deleted", res.Deleted).Msg("folder delete stopped")
		return res, err
	}
	res.SourceEmpty = res.Deleted == 0
	logger.Info().Str("prefix", prefix).Int("deleted", res.Deleted).Msg("folder deleted")
	return res, nil
}
