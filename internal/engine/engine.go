// Package engine advances task chains one frame at a time. It selects the
// next dispatchable StackRun, runs it under the chain lock, and persists the
// outcome through the suspension, resumption and propagation protocols. All
// coordination goes through the store, so any number of engines may share one
// database.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/stackrun/internal/bus"
	"github.com/basket/stackrun/internal/executor"
	"github.com/basket/stackrun/internal/otel"
	"github.com/basket/stackrun/internal/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxPropagationDepth = 10
	DefaultScanLimit           = 16
)

// ServiceCaller executes call frames.
type ServiceCaller interface {
	Call(ctx context.Context, service, method string, args json.RawMessage) (json.RawMessage, error)
}

// Notifier is poked after any change that may have made new work
// dispatchable. Implementations must not block.
type Notifier interface {
	Notify()
}

type Config struct {
	Store    *persistence.Store
	Executor executor.Executor
	Services ServiceCaller
	Bus      *bus.Bus
	Notifier Notifier
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics

	// MaxPropagationDepth caps the failure walk toward the root.
	MaxPropagationDepth int
	// LockStaleAfter lets a dispatch reclaim a chain lock older than this.
	// Zero never reclaims.
	LockStaleAfter time.Duration
	// ScanLimit is how many chain heads DispatchNext considers per call.
	ScanLimit int
	WorkerID  string
}

// Status is a point-in-time snapshot of engine activity.
type Status struct {
	WorkerID     string `json:"worker_id"`
	ActiveFrames int32  `json:"active_frames"`
	Dispatched   int64  `json:"dispatched"`
	LastError    string `json:"last_error,omitempty"`
}

type Engine struct {
	store    *persistence.Store
	exec     executor.Executor
	services ServiceCaller
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics

	maxDepth       int
	lockStaleAfter time.Duration
	scanLimit      int
	workerID       string

	notifyMu sync.RWMutex
	notifier Notifier

	activeFrames atomic.Int32
	dispatched   atomic.Int64
	lastError    atomic.Pointer[string]
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("engine: executor is required")
	}
	if cfg.Services == nil {
		return nil, errors.New("engine: service caller is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Metrics == nil {
		m, err := otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
		if err != nil {
			return nil, fmt.Errorf("engine: noop metrics: %w", err)
		}
		cfg.Metrics = m
	}
	if cfg.MaxPropagationDepth <= 0 {
		cfg.MaxPropagationDepth = DefaultMaxPropagationDepth
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultScanLimit
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	return &Engine{
		store:          cfg.Store,
		exec:           cfg.Executor,
		services:       cfg.Services,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		maxDepth:       cfg.MaxPropagationDepth,
		lockStaleAfter: cfg.LockStaleAfter,
		scanLimit:      cfg.ScanLimit,
		workerID:       cfg.WorkerID,
		notifier:       cfg.Notifier,
	}, nil
}

// SetNotifier replaces the notifier. The liveness driver is built after the
// engine it drives, so it is attached here.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifyMu.Lock()
	e.notifier = n
	e.notifyMu.Unlock()
}

func (e *Engine) notify() {
	e.notifyMu.RLock()
	n := e.notifier
	e.notifyMu.RUnlock()
	if n != nil {
		n.Notify()
	}
}

func (e *Engine) Status() Status {
	st := Status{
		WorkerID:     e.workerID,
		ActiveFrames: e.activeFrames.Load(),
		Dispatched:   e.dispatched.Load(),
	}
	if msg := e.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

// Store exposes the engine's store for read-side callers such as the gateway.
func (e *Engine) Store() *persistence.Store { return e.store }

// Submit creates a TaskRun and its pending root frame. The task must be known
// to the executor and the input must satisfy its schema.
func (e *Engine) Submit(ctx context.Context, taskName string, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return "", fmt.Errorf("submit %s: %w: input is not valid JSON", taskName, executor.ErrInvalidInput)
	}
	code, err := e.exec.Resolve(taskName)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", taskName, err)
	}
	if err := e.exec.Validate(taskName, input); err != nil {
		return "", fmt.Errorf("submit %s: %w", taskName, err)
	}
	vm, err := newVMState(taskName, code, input).marshal()
	if err != nil {
		return "", err
	}
	taskRunID, rootID, err := e.store.CreateTaskRun(ctx, persistence.NewTaskRun{
		TaskName: taskName,
		Input:    input,
		VMState:  vm,
	})
	if err != nil {
		return "", err
	}
	e.metrics.TaskRunsSubmitted.Add(ctx, 1)
	e.logger.Info("task run submitted", "task", taskName, "task_run_id", taskRunID, "stack_run_id", rootID)
	e.notify()
	return taskRunID, nil
}
