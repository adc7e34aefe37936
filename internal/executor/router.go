package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Router fans code references out to adapters by prefix. Task names resolve
// against routes in the order they were added.
type Router struct {
	routes []route
}

type route struct {
	prefix string
	exec   Executor
}

func NewRouter() *Router {
	return &Router{}
}

// Route sends code references starting with prefix to exec.
func (r *Router) Route(prefix string, exec Executor) *Router {
	r.routes = append(r.routes, route{prefix: prefix, exec: exec})
	return r
}

func (r *Router) Resolve(taskName string) (string, error) {
	for _, rt := range r.routes {
		code, err := rt.exec.Resolve(taskName)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrUnknownTask) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
}

func (r *Router) Validate(taskName string, input json.RawMessage) error {
	for _, rt := range r.routes {
		if _, err := rt.exec.Resolve(taskName); err == nil {
			return rt.exec.Validate(taskName, input)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
}

func (r *Router) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(inv.Code, rt.prefix) {
			return rt.exec.Run(ctx, inv)
		}
	}
	if inv.Code == "" && inv.TaskName != "" {
		code, err := r.Resolve(inv.TaskName)
		if err != nil {
			return Outcome{}, err
		}
		inv.Code = code
		return r.Run(ctx, inv)
	}
	return Outcome{}, fmt.Errorf("%w: no adapter for code %q", ErrUnknownTask, inv.Code)
}
