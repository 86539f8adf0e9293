// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

// Package apiqueue is a single-consumer, multi-producer FIFO command
// queue: one worker goroutine pops commands in order, runs each to
// completion or cancellation, and signals its completion channel.
// Shutdown is a poison pill that drains the queue by cancelling
// everything still waiting.
package apiqueue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/logger"
)

var log = logger.Logger()

// Kind discriminates the Primary API commands the engine exposes.
type Kind int

const (
	KindCheckUpdates Kind = iota
	KindDownload
	KindInstall
	KindSendManifest
	KindSendDeviceData
	KindUptaneCycle
)

func (k Kind) String() string {
	switch k {
	case KindCheckUpdates:
		return "CheckUpdates"
	case KindDownload:
		return "Download"
	case KindInstall:
		return "Install"
	case KindSendManifest:
		return "SendManifest"
	case KindSendDeviceData:
		return "SendDeviceData"
	case KindUptaneCycle:
		return "UptaneCycle"
	default:
		return "Unknown"
	}
}

// Result is what a completed or cancelled command reports.
type Result struct {
	Value     any
	Err       error
	Cancelled bool
}

// Command is one enqueued unit of work: kind/args identify what to
// run, cancel is closed by Abort, and done receives exactly one Result.
type Command struct {
	ID         string
	Kind       Kind
	Args       any
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan Result
}

// requestCancel closes cancel exactly once, safe to call whether cmd
// is still queued or currently running, and safe to call more than
// once (a second Abort while the same command is in flight).
func (c *Command) requestCancel() {
	c.cancelOnce.Do(func() { close(c.cancel) })
}

// Cancelled reports whether the command's cancel flag has been set.
// Handlers must check this at every suspension point.
func (c *Command) Cancelled() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

// Handler runs one command to completion, observing ctx cancellation
// at its own suspension points.
type Handler func(ctx context.Context, cmd *Command) Result

// Queue is the FIFO command dispatcher. A single goroutine (Run) pops
// and executes commands; producers call Submit from any goroutine.
type Queue struct {
	mu      sync.Mutex
	pending chan *Command
	paused  bool
	pauseCh chan struct{}
	queued  map[Kind]*Command // in-flight de-dup: same Kind coalesces while queued
	running *Command          // the command Run is currently executing, if any
	handler Handler
	closed  bool
}

// New builds a Queue with the given buffered capacity and handler.
func New(capacity int, handler Handler) *Queue {
	return &Queue{
		pending: make(chan *Command, capacity),
		pauseCh: make(chan struct{}),
		queued:  map[Kind]*Command{},
		handler: handler,
	}
}

// SetHandler installs the dispatch handler after construction, for
// callers (like Engine) that need a closure over the queue's own owner.
// It must be called before Run starts draining commands.
func (q *Queue) SetHandler(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// Submit enqueues a command and returns a channel that receives its
// single Result. A command of a Kind already waiting (not yet started)
// coalesces onto the existing one instead of double-queuing.
func (q *Queue) Submit(kind Kind, args any) (<-chan Result, string) {
	q.mu.Lock()
	if existing, ok := q.queued[kind]; ok {
		done := existing.done
		q.mu.Unlock()
		return done, existing.ID
	}
	cmd := &Command{
		ID:     uuid.New().String(),
		Kind:   kind,
		Args:   args,
		cancel: make(chan struct{}),
		done:   make(chan Result, 1),
	}
	q.queued[kind] = cmd
	q.mu.Unlock()

	q.pending <- cmd
	return cmd.done, cmd.ID
}

// Pause stops the worker from dequeuing new commands; idempotent.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume allows dequeuing to continue, draining deferred commands in
// FIFO order; idempotent.
func (q *Queue) Resume() {
	q.mu.Lock()
	wasPaused := q.paused
	q.paused = false
	q.mu.Unlock()
	if wasPaused {
		select {
		case q.pauseCh <- struct{}{}:
		default:
		}
	}
}

// Abort cancels every queued command (the running one included) and
// discards anything not yet started; the Pause flag, if set, is left
// intact. The currently running command, if any, is only signalled via
// its cancel channel — Run itself sends its single Result once the
// handler returns, so Abort must not write to its done channel too.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for kind, cmd := range q.queued {
		cmd.requestCancel()
		cmd.done <- Result{Cancelled: true}
		delete(q.queued, kind)
	}
	if q.running != nil {
		q.running.requestCancel()
	}
drain:
	for {
		select {
		case <-q.pending:
			// Every pending command is also in q.queued, so its
			// cancelled Result was already delivered above.
		default:
			break drain
		}
	}
}

// Shutdown is the poison pill: it cancels every remaining command and
// stops Run from accepting new work.
func (q *Queue) Shutdown() {
	q.Abort()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.pending)
}

// Run is the single worker loop; call it once from the engine's own
// goroutine. It returns when Shutdown has drained the queue.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.mu.Lock()
		paused := q.paused
		q.mu.Unlock()
		if paused {
			select {
			case <-q.pauseCh:
			case <-ctx.Done():
				return
			}
			continue
		}

		cmd, ok := <-q.pending
		if !ok {
			return
		}

		q.mu.Lock()
		if q.queued[cmd.Kind] == cmd {
			delete(q.queued, cmd.Kind)
		}
		q.mu.Unlock()

		if cmd.Cancelled() {
			cmd.done <- Result{Cancelled: true}
			continue
		}

		q.mu.Lock()
		q.running = cmd
		q.mu.Unlock()

		log.Debugf("apiqueue: running %s (%s)", cmd.Kind, cmd.ID)
		result := q.handler(ctx, cmd)

		q.mu.Lock()
		if q.running == cmd {
			q.running = nil
		}
		q.mu.Unlock()

		cmd.done <- result
	}
}
