// Package services is the closed set of collaborators task code can reach.
// Every StackRun call frame names one service and one of its methods.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/stackrun/internal/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrUnknownMethod  = errors.New("unknown method")
)

// Method handles one call. args is the frame's args document.
type Method func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Service is a named set of methods.
type Service interface {
	Name() string
	Methods() map[string]Method
}

// Registry dispatches calls to registered services. It is closed: the set of
// services is fixed before the engine starts taking calls.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]Method

	tracer  trace.Tracer
	metrics *otel.Metrics
}

func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]map[string]Method),
		tracer:   nooptrace.NewTracerProvider().Tracer(otel.TracerName),
	}
}

// Instrument records spans and call metrics. Either argument may be nil.
func (r *Registry) Instrument(tracer trace.Tracer, metrics *otel.Metrics) {
	if tracer != nil {
		r.tracer = tracer
	}
	r.metrics = metrics
}

// Register adds svc. Names must be unique and "tasks" is reserved for
// task-body frames.
func (r *Registry) Register(svc Service) error {
	name := svc.Name()
	if name == "" || name == "tasks" {
		return fmt.Errorf("register service: invalid name %q", name)
	}
	methods := svc.Methods()
	if len(methods) == 0 {
		return fmt.Errorf("register service %s: no methods", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("register service %s: already registered", name)
	}
	copied := make(map[string]Method, len(methods))
	for m, fn := range methods {
		copied[m] = fn
	}
	r.services[name] = copied
	return nil
}

// Has reports whether service.method is callable.
func (r *Registry) Has(service, method string) bool {
	_, err := r.lookup(service, method)
	return err == nil
}

// Describe lists each service with its sorted method names.
func (r *Registry) Describe() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.services))
	for name, methods := range r.services {
		list := make([]string, 0, len(methods))
		for m := range methods {
			list = append(list, m)
		}
		sort.Strings(list)
		out[name] = list
	}
	return out
}

func (r *Registry) lookup(service, method string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods, ok := r.services[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	fn, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, service, method)
	}
	return fn, nil
}

// Call invokes service.method. A nil result is normalized to JSON null.
func (r *Registry) Call(ctx context.Context, service, method string, args json.RawMessage) (json.RawMessage, error) {
	fn, err := r.lookup(service, method)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	ctx, span := otel.StartClientSpan(ctx, r.tracer, "service."+service+"."+method,
		otel.AttrService.String(service), otel.AttrMethod.String(method))
	defer span.End()
	start := time.Now()

	res, err := fn(ctx, args)
	r.record(ctx, service, method, time.Since(start), err)
	if err != nil {
		otel.Fail(span, err)
		return nil, fmt.Errorf("%s.%s: %w", service, method, err)
	}
	if len(res) == 0 {
		res = json.RawMessage(`null`)
	}
	if !json.Valid(res) {
		return nil, fmt.Errorf("%s.%s: result is not valid JSON", service, method)
	}
	return res, nil
}

func (r *Registry) record(ctx context.Context, service, method string, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("method", method),
	)
	r.metrics.ServiceCallDuration.Record(ctx, elapsed.Seconds(), attrs)
	if err != nil {
		r.metrics.ServiceCallErrors.Add(ctx, 1, attrs)
	}
}

// decodeArgs unmarshals args into v with a uniform error.
func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}
