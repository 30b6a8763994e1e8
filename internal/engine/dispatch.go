package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/retune/internal/observe"
	"github.com/MrWong99/retune/pkg/audio"
)

type eventKind uint8

const (
	eventBlockFailed eventKind = iota
	eventStatus
)

// streamEvent is passed by value so that queueing it never allocates.
type streamEvent struct {
	kind   eventKind
	block  uint64
	status audio.Status
	err    error
}

// eventQueue carries per-block events from the audio context to the
// control-side dispatcher. Sends never block: when the buffer is full the
// event is counted as dropped.
type eventQueue struct {
	ch      chan streamEvent
	dropped atomic.Uint64
}

func newEventQueue(size int) *eventQueue {
	return &eventQueue{ch: make(chan streamEvent, size)}
}

func (q *eventQueue) push(ev streamEvent) {
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// BlockFailed implements [Sink].
func (q *eventQueue) BlockFailed(block uint64, err error) {
	q.push(streamEvent{kind: eventBlockFailed, block: block, err: err})
}

// Status is wired to [audio.StreamEvents.OnStatus].
func (q *eventQueue) Status(st audio.Status) {
	q.push(streamEvent{kind: eventStatus, status: st})
}

// dispatcher drains an eventQueue on the control side: it logs, records
// metrics and notifies observers.
type dispatcher struct {
	queue   *eventQueue
	log     *slog.Logger
	metrics *observe.Metrics
	obs     Observer
	shifter string

	failures uint64
	statuses uint64
}

// run processes events until stop is closed, then drains what is left.
func (d *dispatcher) run(stop <-chan struct{}) {
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue.ch:
			d.handle(ctx, ev)
		case <-stop:
			for {
				select {
				case ev := <-d.queue.ch:
					d.handle(ctx, ev)
				default:
					d.flushDropped(ctx)
					if d.failures > 0 || d.statuses > 0 {
						d.log.Info("stream event summary",
							"processing_errors", d.failures,
							"driver_status_reports", d.statuses,
						)
					}
					return
				}
			}
		}
	}
}

func (d *dispatcher) handle(ctx context.Context, ev streamEvent) {
	switch ev.kind {
	case eventBlockFailed:
		d.failures++
		perr := &ProcessingError{Block: ev.block, Err: ev.err}
		// The first failure is worth a warning; a shifter that fails every
		// block would otherwise flood the log.
		level := slog.LevelDebug
		if d.failures == 1 {
			level = slog.LevelWarn
		}
		d.log.Log(ctx, level, "pitch shift failed, block passed through",
			"block", ev.block, "err", ev.err)
		d.metrics.RecordProcessingError(ctx, d.shifter)
		if d.obs != nil {
			d.obs.OnError(perr)
		}
	case eventStatus:
		d.statuses++
		d.log.Warn("audio driver status", "status", ev.status.String())
		d.metrics.RecordStreamStatus(ctx, ev.status.String())
	}
	d.flushDropped(ctx)
}

func (d *dispatcher) flushDropped(ctx context.Context) {
	if n := d.queue.dropped.Swap(0); n > 0 {
		d.log.Warn("stream events dropped, dispatcher queue full", "count", n)
		d.metrics.RecordDroppedEvents(ctx, n)
	}
}
