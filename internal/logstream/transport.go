// Package logstream is the per-build log transport: a monotonic sequence
// allocator, durable append, live fan-out to subscribers, and paginated
// catch-up. Within one build, order is total and strictly by sequence.
package logstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.home.luguber.info/inful/ando/internal/metrics"
	"git.home.luguber.info/inful/ando/internal/model"
)

// Store is the slice of the relational store the transport needs.
type Store interface {
	AppendLogEntry(ctx context.Context, e *model.LogEntry) error
	MaxLogSequence(ctx context.Context, buildID int64) (int32, error)
	LogEntriesSince(ctx context.Context, buildID int64, after int32, limit int) ([]*model.LogEntry, error)
	GetBuild(ctx context.Context, id int64) (*model.Build, error)
}

// Event is one item on a subscription stream: either a log entry or, exactly
// once at the end, a terminal build status.
type Event struct {
	Entry    *model.LogEntry
	Terminal model.BuildStatus // set only on the final event
}

// subscriberBuffer bounds each subscriber's queue. A subscriber that falls
// this far behind is dropped rather than backing up the producer.
const subscriberBuffer = 256

// Transport owns the per-build streams.
type Transport struct {
	store   Store
	metrics metrics.Recorder

	mu      sync.Mutex
	streams map[int64]*buildStream
}

type buildStream struct {
	mu       sync.Mutex
	seq      int32
	seeded   bool
	terminal model.BuildStatus // zero until finalized
	nextSub  uint64
	subs     map[uint64]chan Event
}

// New creates a transport over the given store.
func New(st Store, rec metrics.Recorder) *Transport {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Transport{store: st, metrics: rec, streams: make(map[int64]*buildStream)}
}

func (t *Transport) stream(buildID int64) *buildStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs, ok := t.streams[buildID]
	if !ok {
		bs = &buildStream{subs: make(map[uint64]chan Event)}
		t.streams[buildID] = bs
	}
	return bs
}

// seedLocked loads max(sequence) from persistence the first time a stream is
// touched after process start, so restarts continue the sequence.
func (bs *buildStream) seedLocked(ctx context.Context, t *Transport, buildID int64) error {
	if bs.seeded {
		return nil
	}
	max, err := t.store.MaxLogSequence(ctx, buildID)
	if err != nil {
		return fmt.Errorf("seed sequence for build %d: %w", buildID, err)
	}
	bs.seq = max
	bs.seeded = true
	return nil
}

// Append persists one record and fans it out. It returns the assigned
// sequence. Persistence always wins the race with fan-out: the record is
// durable before any subscriber sees it.
func (t *Transport) Append(ctx context.Context, buildID int64, typ model.LogEntryType, message, stepName string) (int32, error) {
	bs := t.stream(buildID)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.terminal != "" {
		return 0, fmt.Errorf("build %d: log stream already finalized", buildID)
	}
	if err := bs.seedLocked(ctx, t, buildID); err != nil {
		return 0, err
	}

	bs.seq++
	entry := &model.LogEntry{
		BuildID:   buildID,
		Sequence:  bs.seq,
		Type:      typ,
		Message:   message,
		StepName:  stepName,
		Timestamp: time.Now(),
	}
	if err := t.store.AppendLogEntry(ctx, entry); err != nil {
		bs.seq--
		return 0, err
	}
	t.metrics.IncLogRecords(1)

	bs.fanoutLocked(t, Event{Entry: entry})
	return entry.Sequence, nil
}

// fanoutLocked delivers an event without blocking. Subscribers whose buffers
// are full are dropped; their channel is closed after a best-effort terminal
// marker so readers see end-of-stream rather than silence.
func (bs *buildStream) fanoutLocked(t *Transport, ev Event) {
	for id, ch := range bs.subs {
		select {
		case ch <- ev:
		default:
			delete(bs.subs, id)
			close(ch)
			t.metrics.IncSubscriberDrops()
		}
	}
}

// Finalize marks a build's stream terminal, delivers the terminal event, and
// closes every subscriber channel. Further appends fail.
func (t *Transport) Finalize(buildID int64, status model.BuildStatus) {
	bs := t.stream(buildID)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.terminal != "" {
		return
	}
	bs.terminal = status
	for id, ch := range bs.subs {
		select {
		case ch <- Event{Terminal: status}:
		default:
		}
		delete(bs.subs, id)
		close(ch)
	}

	// The stream map entry stays: late subscribers replay from persistence
	// and receive the terminal event immediately.
}

// GetSince returns persisted entries with sequence > after, ascending, capped
// at limit, plus whether the stream is complete (terminal build, nothing more
// coming).
func (t *Transport) GetSince(ctx context.Context, buildID int64, after int32, limit int) ([]*model.LogEntry, bool, error) {
	entries, err := t.store.LogEntriesSince(ctx, buildID, after, limit)
	if err != nil {
		return nil, false, err
	}

	bs := t.stream(buildID)
	bs.mu.Lock()
	terminal := bs.terminal != ""
	bs.mu.Unlock()

	if !terminal {
		// After a restart the in-memory stream is cold; fall back to the row.
		build, err := t.store.GetBuild(ctx, buildID)
		if err != nil {
			return nil, false, err
		}
		terminal = build.Status.IsTerminal()
	}

	// Complete only if this page reached the end.
	complete := terminal && len(entries) < limitOrDefault(limit)
	return entries, complete, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

// Subscribe replays everything persisted with sequence > after, then switches
// to live delivery, and ends with a Terminal event when the build finalizes.
// The returned cancel function must be called when the consumer goes away.
func (t *Transport) Subscribe(ctx context.Context, buildID int64, after int32) (<-chan Event, func(), error) {
	bs := t.stream(buildID)

	bs.mu.Lock()
	if err := bs.seedLocked(ctx, t, buildID); err != nil {
		bs.mu.Unlock()
		return nil, nil, err
	}
	replayUpTo := bs.seq
	terminal := bs.terminal

	var live chan Event
	var subID uint64
	if terminal == "" {
		live = make(chan Event, subscriberBuffer)
		subID = bs.nextSub
		bs.nextSub++
		bs.subs[subID] = live
	}
	bs.mu.Unlock()

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})

	cancel := func() {
		select {
		case <-done:
			return
		default:
		}
		close(done)
		if live != nil {
			bs.mu.Lock()
			if ch, ok := bs.subs[subID]; ok {
				delete(bs.subs, subID)
				close(ch)
			}
			bs.mu.Unlock()
		}
	}

	go func() {
		defer close(out)

		// Replay from persistence up to the registration point. Entries past
		// replayUpTo arrive on the live channel, so there is no gap and no
		// duplication across the handoff.
		cursor := after
		for cursor < replayUpTo {
			entries, err := t.store.LogEntriesSince(ctx, buildID, cursor, 500)
			if err != nil || len(entries) == 0 {
				// Continuing to live delivery here would hand the consumer
				// a gap. Drop the subscription instead, like an overflowing
				// one; the consumer resubscribes from its cursor.
				cancel()
				return
			}
			for _, e := range entries {
				if e.Sequence > replayUpTo {
					break
				}
				select {
				case out <- Event{Entry: e}:
					cursor = e.Sequence
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
			if entries[len(entries)-1].Sequence >= replayUpTo {
				break
			}
		}

		if terminal != "" {
			select {
			case out <- Event{Terminal: terminal}:
			case <-ctx.Done():
			case <-done:
			}
			return
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					cancel()
					return
				case <-done:
					return
				}
				if ev.Terminal != "" {
					return
				}
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			}
		}
	}()

	return out, cancel, nil
}
