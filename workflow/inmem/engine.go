// Package inmem provides an in-process workflow.Engine, the default adapter
// used in tests and single-node deployments. It is grounded on the teacher's
// runtime/agent/engine/inmem package: workflows run as goroutines, activities
// run synchronously within ExecuteActivityAsync's own goroutine, and signal
// channels are buffered Go channels keyed by name.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/flowforge/orchestrator/telemetry"
	"github.com/flowforge/orchestrator/workflow"
)

type activityEntry struct {
	handler workflow.ActivityFunc
	opts    workflow.ActivityOptions
}

// Engine is an in-process workflow.Engine.
type Engine struct {
	telemetry telemetry.Bundle

	mu         sync.RWMutex
	workflows  map[string]workflow.WorkflowDefinition
	activities map[string]activityEntry
}

// New constructs an empty in-memory Engine.
func New(t telemetry.Bundle) *Engine {
	return &Engine{
		telemetry:  t,
		workflows:  make(map[string]workflow.WorkflowDefinition),
		activities: make(map[string]activityEntry),
	}
}

func (e *Engine) RegisterWorkflow(_ context.Context, def workflow.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("inmem: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def workflow.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("inmem: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = activityEntry{handler: def.Handler, opts: def.Options}
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req workflow.WorkflowStartRequest) (workflow.WorkflowHandle, error) {
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: workflow %q not registered", req.Workflow)
	}

	wctx := &wfCtx{
		ctx:     ctx,
		id:      req.ID,
		logger:  e.telemetry.Logger,
		metrics: e.telemetry.Metrics,
		eng:     e,
		sigs:    make(map[string]*signalChan),
	}
	h := &handle{done: make(chan struct{}), wctx: wctx}

	go func() {
		defer close(h.done)
		res, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result, h.err = res, err
		h.mu.Unlock()
	}()
	return h, nil
}

type wfCtx struct {
	ctx     context.Context
	id      string
	logger  telemetry.Logger
	metrics telemetry.Metrics
	eng     *Engine

	sigMu sync.Mutex
	sigs  map[string]*signalChan
}

func (w *wfCtx) Context() context.Context   { return w.ctx }
func (w *wfCtx) WorkflowID() string         { return w.id }
func (w *wfCtx) Logger() telemetry.Logger   { return w.logger }
func (w *wfCtx) Metrics() telemetry.Metrics { return w.metrics }
func (w *wfCtx) Now() time.Time             { return time.Now() }

func (w *wfCtx) ExecuteActivity(ctx context.Context, req workflow.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *wfCtx) ExecuteActivityAsync(ctx context.Context, req workflow.ActivityRequest) (workflow.Future, error) {
	w.eng.mu.RLock()
	entry, ok := w.eng.activities[req.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("inmem: activity %q not registered", req.Name)
	}

	f := &future{ready: make(chan struct{})}
	go func() {
		defer close(f.ready)
		actCtx := ctx
		var cancel context.CancelFunc
		timeout := req.Timeout
		if timeout == 0 {
			timeout = entry.opts.Timeout
		}
		if timeout > 0 {
			actCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, err := entry.handler(actCtx, req.Input)
		f.mu.Lock()
		f.result, f.err = res, err
		f.mu.Unlock()
	}()
	return f, nil
}

func (w *wfCtx) SignalChannel(name string) workflow.SignalChannel {
	w.sigMu.Lock()
	defer w.sigMu.Unlock()
	ch, ok := w.sigs[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 1)}
		w.sigs[name] = ch
	}
	return ch
}

type future struct {
	ready  chan struct{}
	mu     sync.Mutex
	result any
	err    error
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		f.mu.Lock()
		defer f.mu.Unlock()
		assignResult(result, f.result)
		return f.err
	}
}

func (f *future) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

type signalChan struct {
	ch chan any
}

func (s *signalChan) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-s.ch:
		assignResult(dest, v)
		return nil
	}
}

func (s *signalChan) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		assignResult(dest, v)
		return true
	default:
		return false
	}
}

type handle struct {
	done   chan struct{}
	wctx   *wfCtx
	mu     sync.Mutex
	result any
	err    error
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		assignResult(result, h.result)
		return h.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	ch := h.wctx.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("inmem: workflow already completed")
	}
}

func (h *handle) Cancel(context.Context) error {
	// Best-effort: the in-memory engine does not propagate cancellation into
	// a running workflow goroutine.
	return nil
}

func assignResult(dst, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.IsValid() && sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
