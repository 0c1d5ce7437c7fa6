package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Owner is the single execution context that owns the local store. Every
// state mutation of the engine runs on its goroutine, one closure at a time,
// in submission order.
type Owner struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	stopped bool
	logger  zerolog.Logger
}

// NewOwner starts the owner goroutine.
func NewOwner(logger zerolog.Logger) *Owner {
	o := &Owner{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "owner").Logger(),
	}
	go o.loop()
	return o
}

// Go schedules fn and returns immediately. It never blocks, so it is safe to
// call from network goroutines and from closures already running on the owner.
func (o *Owner) Go(fn func()) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, fn)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the owner and waits for it. It must not be called from the
// owner goroutine itself.
func (o *Owner) Do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	o.queue = append(o.queue, func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("chatsync: owner task panicked: %v", r)
			}
		}()
		errCh <- fn()
	})
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-errCh:
		return err
	case <-o.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains nothing further and waits for the running closure to return.
func (o *Owner) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		<-o.done
		return
	}
	o.stopped = true
	o.queue = nil
	close(o.stopCh)
	o.mu.Unlock()
	<-o.done
}

func (o *Owner) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.mu.Unlock()
			select {
			case <-o.wake:
				continue
			case <-o.stopCh:
				return
			}
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.run(fn)

		select {
		case <-o.stopCh:
			return
		default:
		}
	}
}

func (o *Owner) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Str("panic", fmt.Sprint(r)).Msg("owner task panicked")
		}
	}()
	fn()
}
