package presence

import (
	"context"
	"errors"

	"github.com/voicexp/voicexp/internal/domain/shared"
)

// ErrOutcomeUnknown is returned when the caller stops waiting for an admitted
// operation. The operation still runs, so a join may have started a session.
// It is joined with the caller's context error.
var ErrOutcomeUnknown = errors.New("presence: caller stopped waiting, operation still runs")

// ══════════════════════════════════════════════════════════════════════════════
// ADMISSION
// Every operation on one user's session runs on that user's mailbox. A mailbox
// is drained by a single goroutine that exists only while work is queued, so
// operations for one user are strictly ordered and unrelated users never wait
// on each other.
// ══════════════════════════════════════════════════════════════════════════════

type mailbox struct {
	ops     []func()
	running bool
}

// submit queues op on the user's mailbox. Queued work is never dropped; it
// runs even if the submitting caller stops waiting.
func (r *Registry) submit(userID shared.UserID, op func()) error {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	if r.closed {
		return shared.ErrRegistryClosed
	}

	mb, ok := r.mailboxes[userID]
	if !ok {
		mb = &mailbox{}
		r.mailboxes[userID] = mb
	}
	mb.ops = append(mb.ops, op)

	if !mb.running {
		mb.running = true
		r.drains.Add(1)
		go r.drain(userID, mb)
	}
	return nil
}

func (r *Registry) drain(userID shared.UserID, mb *mailbox) {
	defer r.drains.Done()

	for {
		r.admitMu.Lock()
		if len(mb.ops) == 0 {
			mb.running = false
			delete(r.mailboxes, userID)
			r.admitMu.Unlock()
			return
		}
		op := mb.ops[0]
		mb.ops[0] = nil
		mb.ops = mb.ops[1:]
		r.admitMu.Unlock()

		op()
	}
}

type reply[T any] struct {
	value T
	err   error
}

// admit runs fn on the user's mailbox and waits for its result. fn receives
// a context that outlives the caller's cancellation, because once admitted
// the operation completes regardless of whether anyone is still waiting.
func admit[T any](ctx context.Context, r *Registry, userID shared.UserID, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opCtx := context.WithoutCancel(ctx)
	done := make(chan reply[T], 1)

	err := r.submit(userID, func() {
		v, err := fn(opCtx)
		done <- reply[T]{value: v, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return zero, errors.Join(ErrOutcomeUnknown, ctx.Err())
	}
}
