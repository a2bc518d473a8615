package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stablerwa/go-did-sdk/did"
	"github.com/stablerwa/go-did-sdk/did/registry"
)

// State is a step of one resolution attempt sequence.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition is reported to an Observer on every state change.
type Transition struct {
	DID     did.Identifier
	From    State
	To      State
	Attempt int
	Delay   time.Duration // set when entering StateRetrying
	Err     error
}

// Observer receives state transitions. It must not block.
type Observer func(Transition)

// permanentErrors are never retried: they are well-formed answers, not outages.
var permanentErrors = []error{
	did.ErrDocumentNotFound,
	did.ErrInvalidDIDSyntax,
	did.ErrMethodNotSupported,
	did.ErrInvalidDocument,
	context.Canceled,
}

// IsPermanent reports whether err should end the retry loop at once.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// machine drives one fetch through Idle → Requesting → Retrying(n) →
// Succeeded/Failed. The delay between attempts comes from b.
type machine struct {
	id          did.Identifier
	maxAttempts int
	b           backoff.BackOff
	wait        func(context.Context, time.Duration) error
	observe     Observer

	state   State
	attempt int
}

func (m *machine) to(next State, delay time.Duration, err error) {
	if m.observe != nil {
		m.observe(Transition{DID: m.id, From: m.state, To: next, Attempt: m.attempt, Delay: delay, Err: err})
	}
	m.state = next
}

func (m *machine) run(ctx context.Context, op func(context.Context) (*registry.Record, error)) (*registry.Record, error) {
	var (
		rec     *registry.Record
		lastErr error
		delay   time.Duration
	)

	m.state = StateIdle
	m.b.Reset()
	m.to(StateRequesting, 0, nil)

	for {
		switch m.state {
		case StateRequesting:
			m.attempt++
			rec, lastErr = op(ctx)
			switch {
			case lastErr == nil:
				m.to(StateSucceeded, 0, nil)
			case IsPermanent(lastErr):
				lastErr = unwrapPermanent(lastErr)
				m.to(StateFailed, 0, lastErr)
			case ctx.Err() != nil:
				lastErr = timeoutErr(m.id, m.attempt, ctx.Err())
				m.to(StateFailed, 0, lastErr)
			case m.attempt >= m.maxAttempts:
				lastErr = timeoutErr(m.id, m.attempt, lastErr)
				m.to(StateFailed, 0, lastErr)
			default:
				delay = m.b.NextBackOff()
				if delay == backoff.Stop {
					lastErr = timeoutErr(m.id, m.attempt, lastErr)
					m.to(StateFailed, 0, lastErr)
					continue
				}
				m.to(StateRetrying, delay, lastErr)
			}

		case StateRetrying:
			if err := m.wait(ctx, delay); err != nil {
				if errors.Is(err, context.Canceled) {
					lastErr = err
				} else {
					lastErr = timeoutErr(m.id, m.attempt, err)
				}
				m.to(StateFailed, 0, lastErr)
				continue
			}
			m.to(StateRequesting, 0, nil)

		case StateSucceeded:
			return rec, nil

		case StateFailed:
			return nil, lastErr

		default:
			return nil, fmt.Errorf("resolver: unexpected state %s", m.state)
		}
	}
}

func timeoutErr(id did.Identifier, attempts int, cause error) error {
	if errors.Is(cause, did.ErrResolutionTimeout) {
		return cause
	}
	return fmt.Errorf("%w: %s after %d attempt(s): %v", did.ErrResolutionTimeout, id, attempts, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
