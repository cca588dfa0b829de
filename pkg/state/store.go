package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrStoreClosed is returned by Store methods after Close.
var ErrStoreClosed = errors.New("state store closed")

// Change describes one applied write.
type Change struct {
	// Writer is the task that performed the write.
	Writer string

	// Revision is the store-wide revision after the write.
	Revision uint64

	// Names are the variables whose value changed.
	Names []string

	// State is the snapshot after the write.
	State State
}

// Store owns the shared State. A single goroutine serves every read and write,
// so an Apply sees the latest State and no concurrent write can be lost.
type Store struct {
	requests  chan storeRequest
	done      chan struct{}
	closeOnce sync.Once
	revision  atomic.Uint64
	logger    zerolog.Logger
}

type requestKind int

const (
	requestSnapshot requestKind = iota
	requestApply
	requestVersions
	requestSubscribe
	requestUnsubscribe
)

type storeRequest struct {
	kind   requestKind
	writer string
	apply  func(State) State
	sub    chan Change
	reply  chan storeReply
}

type storeReply struct {
	state    State
	versions map[string]uint64
}

// NewStore starts a store owning initial.
func NewStore(initial State, logger zerolog.Logger) *Store {
	s := &Store{
		requests: make(chan storeRequest),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "state-store").Logger(),
	}
	go s.loop(initial)
	return s
}

func (s *Store) loop(current State) {
	versions := make(map[string]uint64)
	subscribers := make(map[chan Change]struct{})

	for {
		select {
		case <-s.done:
			for sub := range subscribers {
				close(sub)
			}
			return

		case req := <-s.requests:
			switch req.kind {
			case requestSnapshot:
				req.reply <- storeReply{state: current}

			case requestApply:
				next := req.apply(current)
				if next.vars == nil {
					next = New()
				}
				changed := current.Diff(next)
				current = next
				if len(changed) > 0 {
					versions[req.writer]++
					rev := s.revision.Add(1)
					change := Change{Writer: req.writer, Revision: rev, Names: changed, State: current}
					for sub := range subscribers {
						select {
						case sub <- change:
						default:
							s.logger.Debug().
								Str("writer", req.writer).
								Uint64("revision", rev).
								Msg("Subscriber buffer full, change dropped")
						}
					}
				}
				req.reply <- storeReply{state: current}

			case requestVersions:
				cp := make(map[string]uint64, len(versions))
				for k, v := range versions {
					cp[k] = v
				}
				req.reply <- storeReply{versions: cp}

			case requestSubscribe:
				subscribers[req.sub] = struct{}{}
				req.reply <- storeReply{}

			case requestUnsubscribe:
				if _, ok := subscribers[req.sub]; ok {
					delete(subscribers, req.sub)
					close(req.sub)
				}
				req.reply <- storeReply{}
			}
		}
	}
}

func (s *Store) call(ctx context.Context, req storeRequest) (storeReply, error) {
	select {
	case <-s.done:
		return storeReply{}, ErrStoreClosed
	default:
	}

	req.reply = make(chan storeReply, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return storeReply{}, ErrStoreClosed
	case <-ctx.Done():
		return storeReply{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-s.done:
		return storeReply{}, ErrStoreClosed
	}
}

// Snapshot returns the current State.
func (s *Store) Snapshot(ctx context.Context) (State, error) {
	rep, err := s.call(ctx, storeRequest{kind: requestSnapshot})
	return rep.state, err
}

// Apply runs fn against the current State and stores its result atomically.
// fn must not block; it runs on the store goroutine.
func (s *Store) Apply(ctx context.Context, writer string, fn func(State) State) (State, error) {
	rep, err := s.call(ctx, storeRequest{kind: requestApply, writer: writer, apply: fn})
	return rep.state, err
}

// Revision returns the number of effective writes so far.
func (s *Store) Revision() uint64 {
	return s.revision.Load()
}

// Versions returns the per-writer count of effective writes.
func (s *Store) Versions(ctx context.Context) (map[string]uint64, error) {
	rep, err := s.call(ctx, storeRequest{kind: requestVersions})
	return rep.versions, err
}

// Subscribe registers for change notifications. Changes are dropped when the
// buffer is full. The returned function unsubscribes.
func (s *Store) Subscribe(ctx context.Context, buffer int) (<-chan Change, func(), error) {
	ch := make(chan Change, buffer)
	if _, err := s.call(ctx, storeRequest{kind: requestSubscribe, sub: ch}); err != nil {
		return nil, nil, err
	}
	cancel := func() {
		_, _ = s.call(context.Background(), storeRequest{kind: requestUnsubscribe, sub: ch})
	}
	return ch, cancel, nil
}

// Close stops the store goroutine. Subscriber channels are closed.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
