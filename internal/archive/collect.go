package archive

import (
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/damacus/iron-folders/internal/apperr"
	"github.com/damacus/iron-folders/internal/metrics"
	"github.com/damacus/iron-folders/internal/models"
	"github.com/damacus/iron-folders/internal/services"
	"golang.org/x/sync/errgroup"
)

// Getter reads object bodies. services.ObjectStore satisfies it.
type Getter interface {
	Get(ctx context.Context, key string, opts services.GetOptions) (io.ReadCloser, services.ObjectRecord, error)
}

// Options bounds a collection run.
type Options struct {
	// BatchSize is how many bodies are fetched at once.
	BatchSize int
	// MaxBytes caps the summed size of all bodies. Zero means no cap.
	MaxBytes int64
}

// DefaultOptions fetches six bodies at a time with a 1 GiB ceiling.
func DefaultOptions() Options {
	return Options{BatchSize: 6, MaxBytes: 1 << 30}
}

// Collect downloads keys into archive entries named relative to prefix. The
// returned entries keep the order of keys. Batch N+1 starts only after batch N
// finished; the first failure in key order is returned.
func Collect(ctx context.Context, g Getter, keys []string, prefix string, opts Options) ([]models.ArchiveEntry, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if len(keys) > MaxEntries {
		return nil, apperr.Newf(apperr.TooLarge, "archive", "%d files exceed the archive limit of %d", len(keys), MaxEntries)
	}

	entries := make([]models.ArchiveEntry, len(keys))
	var total atomic.Int64
	m := metrics.Get()

	for start := 0; start < len(keys); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(keys))
		errs := make([]error, end-start)

		var eg errgroup.Group
		for i := start; i < end; i++ {
			eg.Go(func() error {
				data, err := fetch(ctx, g, keys[i])
				if err != nil {
					errs[i-start] = err
					return nil
				}
				if n := total.Add(int64(len(data))); opts.MaxBytes > 0 && n > opts.MaxBytes {
					errs[i-start] = apperr.Newf(apperr.TooLarge, "archive", "download exceeds %d bytes", opts.MaxBytes).WithKey(keys[i])
					return nil
				}
				entries[i] = models.ArchiveEntry{Path: relative(keys[i], prefix), Data: data}
				return nil
			})
		}
		_ = eg.Wait()

		for j, err := range errs {
			if err != nil {
				return nil, apperr.AtKey("download", keys[start+j], err)
			}
		}
	}

	m.ArchiveBytes.Add(float64(total.Load()))
	return entries, nil
}

func fetch(ctx context.Context, g Getter, key string) ([]byte, error) {
	body, _, err := g.Get(ctx, key, services.GetOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, apperr.Unreachable("download", key, err)
	}
	return data, nil
}

func relative(key, prefix string) string {
	if prefix != "" && strings.HasPrefix(key, prefix) {
		return key[len(prefix):]
	}
	return key
}
