package resolver

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Future.Result while the work is still running.
var ErrPending = errors.New("resolution pending")

// Future is the handle of an asynchronous resolution. It is safe for
// concurrent use; callers poll Done/Result or register OnComplete.
type Future[T any] struct {
	kind Kind
	pack string
	path string

	done chan struct{}

	mu        sync.Mutex
	value     T
	err       error
	seq       uint64
	callbacks []func(T, error)
}

func newFuture[T any](k key) *Future[T] {
	return &Future[T]{
		kind: k.kind,
		pack: k.pack,
		path: k.path,
		done: make(chan struct{}),
	}
}

// Kind returns what the future resolves.
func (f *Future[T]) Kind() Kind { return f.kind }

// Pack returns the pack the request was issued for.
func (f *Future[T]) Pack() string { return f.pack }

// Path returns the category path the request was issued for.
func (f *Future[T]) Path() string { return f.path }

// Done reports whether the future has completed. It never blocks.
func (f *Future[T]) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome, or ErrPending if the future is not done.
func (f *Future[T]) Result() (T, error) {
	if !f.Done() {
		var zero T
		return zero, ErrPending
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Seq is the completion sequence number. Futures completed later have
// larger numbers; it is 0 while pending.
func (f *Future[T]) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// OnComplete registers fn to run once the future completes. If it already
// has, fn runs immediately on the calling goroutine; otherwise it runs on
// the completing worker.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if f.seq == 0 {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

func (f *Future[T]) complete(v T, err error, seq uint64) {
	f.mu.Lock()
	if f.seq != 0 {
		f.mu.Unlock()
		return
	}
	f.value, f.err, f.seq = v, err, seq
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
}
