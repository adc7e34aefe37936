package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/basket/stackrun/internal/config"
	"github.com/basket/stackrun/internal/persistence"
)

const defaultBindAddr = "127.0.0.1:18790"

// apiClient talks to a running stackrun server.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	token := cfg.AuthToken
	if token == "" {
		token = readAuthToken(cfg.HomeDir)
	}
	return &apiClient{
		base:  baseURL(cfg.BindAddr),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// baseURL turns a bind address into the URL clients dial.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reachable on loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends a request and decodes a 2xx JSON body into out when out is non-nil.
// It returns the raw body either way.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, out any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return raw, &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

func printJSON(raw []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, _ = os.Stdout.Write(raw)
	} else {
		_, _ = buf.WriteTo(os.Stdout)
	}
	fmt.Fprintln(os.Stdout)
}

// simpleRequest covers subcommands that make one call and print the body.
func simpleRequest(ctx context.Context, method, path string) int {
	c, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	raw, err := c.do(ctx, method, path, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %s: %v\n", method, path, err)
		return 1
	}
	printJSON(raw)
	return 0
}

func runSubmitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	wait := fs.Bool("wait", false, "poll until the task run finishes")
	timeout := fs.Duration("timeout", 2*time.Minute, "how long -wait polls")
	interval := fs.Duration("interval", 500*time.Millisecond, "poll interval for -wait")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 || len(rest) > 2 {
		fmt.Fprintln(os.Stderr, "usage: stackrun submit [-wait] [-timeout 2m] <task> [json-input]")
		return 2
	}
	input := []byte(`{}`)
	if len(rest) == 2 {
		input = []byte(rest[1])
		if !json.Valid(input) {
			fmt.Fprintln(os.Stderr, "input is not valid JSON")
			return 2
		}
	}

	c, err := newAPIClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var accepted struct {
		TaskRunID string `json:"task_run_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(rest[0])+"/runs", input, &accepted); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}
	if !*wait {
		fmt.Println(accepted.TaskRunID)
		return 0
	}

	tr, err := c.waitTaskRun(ctx, accepted.TaskRunID, *timeout, *interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait %s: %v\n", accepted.TaskRunID, err)
		return 1
	}
	raw, _ := json.Marshal(tr)
	printJSON(raw)
	if tr.Status != persistence.TaskRunCompleted {
		return 1
	}
	return 0
}

// waitTaskRun polls a task run until it reaches a terminal status.
func (c *apiClient) waitTaskRun(ctx context.Context, id string, timeout, interval time.Duration) (*persistence.TaskRun, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var tr persistence.TaskRun
		if _, err := c.do(ctx, http.MethodGet, "/v1/task-runs/"+url.PathEscape(id), nil, &tr); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("timed out after %s", timeout)
			}
			return nil, err
		}
		if tr.Status.Terminal() {
			return &tr, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out after %s (last status %s)", timeout, tr.Status)
		case <-ticker.C:
		}
	}
}

func runGetCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	frames := fs.Bool("frames", false, "list the stack runs instead of the task run")
	events := fs.Bool("events", false, "list the stack run events instead of the task run")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: stackrun get [-frames|-events] <task_run_id>")
		return 2
	}
	path := "/v1/task-runs/" + url.PathEscape(fs.Arg(0))
	switch {
	case *frames:
		path += "/stack-runs"
	case *events:
		path += "/events"
	}
	return simpleRequest(ctx, http.MethodGet, path)
}

func runTasksCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: stackrun tasks")
		return 2
	}
	return simpleRequest(ctx, http.MethodGet, "/v1/tasks")
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: stackrun status")
		return 2
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return simpleRequest(reqCtx, http.MethodGet, "/v1/status")
}

func runTickCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: stackrun tick")
		return 2
	}
	return simpleRequest(ctx, http.MethodPost, "/v1/tick")
}

func runProcessCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: stackrun process <stack_run_id>")
		return 2
	}
	return simpleRequest(ctx, http.MethodPost, "/v1/stack-runs/"+url.PathEscape(args[0])+"/process")
}
