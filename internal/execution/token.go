package execution

import (
	"sync"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// CancelToken is the single cancellation signal shared by an execution and
// every action context derived from it. Cancellation is cooperative: actions
// poll CheckCancelled or select on Done.
type CancelToken struct {
	mu     sync.Mutex
	done   chan struct{}
	reason string
}

// NewCancelToken returns an un-cancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token with a reason. Later calls are no-ops; the first
// reason wins.
func (t *CancelToken) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return
	default:
	}
	t.reason = reason
	close(t.done)
}

// Done returns a channel closed when the token is cancelled.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// IsCancelled reports whether the token has been set.
func (t *CancelToken) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, or "" if not cancelled.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// CheckCancelled returns a cancelled error once the token is set, nil before.
func (t *CancelToken) CheckCancelled() error {
	if !t.IsCancelled() {
		return nil
	}
	msg := t.Reason()
	if msg == "" {
		msg = "execution cancelled"
	}
	return types.NewError(types.KindCancelled, types.EXECUTION_CANCELLED, msg)
}
