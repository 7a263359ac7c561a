package remote

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// watchSnapshots bridges a pub/sub change channel to a snapshot stream: on
// every notification the current snapshot is refetched and delivered.
// Delivery coalesces to the latest snapshot, so a slow consumer sees fewer,
// fresher snapshots instead of a backlog. The returned stop function is
// idempotent; once it returns, the subscription is released and the output
// channel will be closed after any in-flight fetch finishes.
func watchSnapshots[T any](
	ctx context.Context,
	rdb *redis.Client,
	channel string,
	logger *zap.Logger,
	fetch func(context.Context) (T, error),
) (<-chan T, func(), error) {
	sub := rdb.Subscribe(ctx, channel)
	// Confirm the subscription before returning so no change is missed
	// between registration and the initial snapshot.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan T, 1)

	go func() {
		defer close(out)

		if snap, err := fetch(ctx); err == nil {
			deliver(out, snap)
		} else if ctx.Err() == nil {
			logger.Warn("initial snapshot fetch failed", zap.String("channel", channel), zap.Error(err))
		}

		notifications := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
				snap, err := fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("snapshot fetch failed", zap.String("channel", channel), zap.Error(err))
					continue
				}
				if ctx.Err() != nil {
					return
				}
				deliver(out, snap)
			}
		}
	}()

	stop := sync.OnceFunc(func() {
		cancel()
		_ = sub.Close()
	})
	return out, stop, nil
}

// deliver replaces any undrained snapshot with the newer one. The channel
// has capacity 1, so this never blocks.
func deliver[T any](out chan T, v T) {
	for {
		select {
		case out <- v:
			return
		default:
			select {
			case <-out:
			default:
			}
		}
	}
}
