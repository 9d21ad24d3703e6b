// Package scheduler runs independent clip renders on a bounded worker pool
// and waits for all of them before returning.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/render"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

// RenderFunc renders one clip. A nil buffer with a nil error means the clip
// produced nothing (outside the render range).
type RenderFunc func(ctx context.Context, c *timeline.ClipDescriptor) (*render.RenderedBuffer, error)

// ProgressFunc is called once per finished clip with the running count.
// Calls may come from any worker but never concurrently.
type ProgressFunc func(done, total int)

// Run renders every clip with at most workers in flight (0 means NumCPU).
// Results come back in clip order, skipping clips that produced nothing or
// failed. A failing clip never stops the others. Cancelling ctx aborts the
// barrier: Run then returns ctx's error and discards partial results.
func Run(ctx context.Context, clips []timeline.ClipDescriptor, workers int, fn RenderFunc, onProgress ProgressFunc) ([]*render.RenderedBuffer, []*apperrors.ClipError, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	results := make([]*render.RenderedBuffer, len(clips))
	failures := make([]*apperrors.ClipError, len(clips))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range clips {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			c := &clips[i]
			if err := gctx.Err(); err != nil {
				return err
			}

			rb, err := safeRender(gctx, c, fn)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var ce *apperrors.ClipError
				if !errors.As(err, &ce) {
					ce = apperrors.NewClipError(c.ID, c.Lane, "render", err)
				}
				failures[i] = ce
				logrus.WithFields(logrus.Fields{
					"function": "scheduler.Run",
					"clip":     c.ID,
					"lane":     c.Lane,
					"stage":    ce.Stage,
				}).WithError(ce.Cause).Warn("clip dropped from mix")
			} else {
				results[i] = rb
			}

			mu.Lock()
			done++
			if onProgress != nil {
				onProgress(done, len(clips))
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	out := make([]*render.RenderedBuffer, 0, len(clips))
	for _, rb := range results {
		if rb != nil {
			out = append(out, rb)
		}
	}
	var failed []*apperrors.ClipError
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
		}
	}
	return out, failed, nil
}

// safeRender turns a panic inside fn into a render failure for that clip.
func safeRender(ctx context.Context, c *timeline.ClipDescriptor, fn RenderFunc) (rb *render.RenderedBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			rb = nil
			err = apperrors.NewClipError(c.ID, c.Lane, "render", fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx, c)
}
