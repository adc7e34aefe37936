// Package wasm runs task bodies compiled to WebAssembly under wazero.
//
// Guest ABI: a module exports "memory", "alloc(len) ptr" and
// "run(inputPtr, inputLen) u64", where the result packs ptr<<32|len of a JSON
// document in guest memory. The host module "stackrun" exports
// "call(svcPtr, svcLen, methPtr, methLen, argsPtr, argsLen) u64", which returns
// a memoized result packed the same way or ends the run when the result is not
// known yet, "fail(msgPtr, msgLen)" and "log(levelPtr, levelLen, msgPtr, msgLen)".
package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/stackrun/internal/executor"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Deterministic fault reason codes for task invocations.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout        = "WASM_TIMEOUT"
	FaultMemoryExceeded = "WASM_MEMORY_EXCEEDED"
	FaultNoExport       = "WASM_NO_EXPORT"
	FaultExecError      = "WASM_FAULT"
	FaultBadResult      = "WASM_BAD_RESULT"
)

// TaskFault is a structured error emitted by WASM task runs.
type TaskFault struct {
	Reason string // one of the Fault* constants
	Module string
	Detail string
}

func (e *TaskFault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// Prefix marks code references served by the WASM host.
const Prefix = "wasm:"

// HostModuleName is the import module guests link against.
const HostModuleName = "stackrun"

// DefaultMemoryLimitPages is 160 pages = 10MB (each WASM page = 64KB).
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout is the wall-clock limit for a single run.
const DefaultInvokeTimeout = 30 * time.Second

const (
	exitSuspend = 75
	exitFault   = 70
)

type Config struct {
	Logger *slog.Logger
	// MemoryLimitPages caps memory per instance (1 page = 64KB). 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per run. 0 uses DefaultInvokeTimeout.
	InvokeTimeout time.Duration
}

type taskModule struct {
	compiled wazero.CompiledModule
	schema   *executor.Schema
	source   string
	digest   string
}

// Host compiles task modules once and instantiates a fresh, anonymous
// instance for every run, so no guest state survives between replays.
type Host struct {
	logger        *slog.Logger
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu sync.RWMutex
	modules   map[string]taskModule
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:        cfg.Logger,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout: invokeTimeout,
		modules:       map[string]taskModule{},
	}

	// TinyGo's wasi target imports WASI even for pure computation.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	builder := h.runtime.NewHostModuleBuilder(HostModuleName)
	builder.NewFunctionBuilder().WithFunc(h.hostCall).Export("call")
	builder.NewFunctionBuilder().WithFunc(h.hostFail).Export("fail")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("log")
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, m := range h.modules {
		_ = m.compiled.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.RLock()
	defer h.modulesMu.RUnlock()
	_, ok := h.modules[name]
	return ok
}

// Modules lists loaded task names.
func (h *Host) Modules() []string {
	h.modulesMu.RLock()
	defer h.modulesMu.RUnlock()
	out := make([]string, 0, len(h.modules))
	for name := range h.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadModuleFromFile loads a .wasm file as the task named after the file. A
// sibling <name>.schema.json becomes the task's input schema.
func (h *Host) LoadModuleFromFile(ctx context.Context, srcPath string) error {
	wasmBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}
	name := moduleNameFromPath(srcPath)
	var schema *executor.Schema
	schemaPath := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + ".schema.json"
	if doc, err := os.ReadFile(schemaPath); err == nil {
		schema, err = executor.CompileSchema(name, string(doc))
		if err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read task schema: %w", err)
	}
	return h.LoadModule(ctx, name, wasmBytes, schema, srcPath)
}

// LoadModule compiles wasmBytes and registers it as task name, replacing any
// module of the same name.
func (h *Host) LoadModule(ctx context.Context, name string, wasmBytes []byte, schema *executor.Schema, source string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}
	fns := compiled.ExportedFunctions()
	for _, export := range []string{"run", "alloc"} {
		if _, ok := fns[export]; !ok {
			_ = compiled.Close(ctx)
			return &TaskFault{Reason: FaultNoExport, Module: name, Detail: "missing export " + export}
		}
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		_ = compiled.Close(ctx)
		return &TaskFault{Reason: FaultNoExport, Module: name, Detail: "missing export memory"}
	}

	h.modulesMu.Lock()
	if old, ok := h.modules[name]; ok {
		_ = old.compiled.Close(ctx)
	}
	sum := sha256.Sum256(wasmBytes)
	digest := hex.EncodeToString(sum[:])
	h.modules[name] = taskModule{compiled: compiled, schema: schema, source: source, digest: digest}
	h.modulesMu.Unlock()

	h.logger.Info("wasm task loaded", "task", name, "path", source, "sha256", digest[:12])
	return nil
}

// Digest returns the hex sha256 of the loaded module bytes, or "" when no
// module of that name is loaded.
func (h *Host) Digest(name string) string {
	m, _ := h.lookup(name)
	return m.digest
}

// Unload drops task name. Frames already running keep their instance;
// later dispatches of the task fail as unknown.
func (h *Host) Unload(ctx context.Context, name string) bool {
	h.modulesMu.Lock()
	m, ok := h.modules[name]
	delete(h.modules, name)
	h.modulesMu.Unlock()
	if ok {
		_ = m.compiled.Close(ctx)
		h.logger.Info("wasm task unloaded", "task", name)
	}
	return ok
}

func (h *Host) lookup(name string) (taskModule, bool) {
	h.modulesMu.RLock()
	defer h.modulesMu.RUnlock()
	m, ok := h.modules[name]
	return m, ok
}

func (h *Host) Resolve(taskName string) (string, error) {
	if !h.HasModule(taskName) {
		return "", fmt.Errorf("%w: %s", executor.ErrUnknownTask, taskName)
	}
	return Prefix + taskName, nil
}

func (h *Host) Validate(taskName string, input json.RawMessage) error {
	m, ok := h.lookup(taskName)
	if !ok {
		return fmt.Errorf("%w: %s", executor.ErrUnknownTask, taskName)
	}
	return m.schema.Validate(input)
}

type invocationKey struct{}

// invocation is the per-run state host functions reach through the context.
type invocation struct {
	task    string
	replay  *executor.Replay
	failure string
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	return inv
}

// Run instantiates the task module and calls run with the task input.
func (h *Host) Run(ctx context.Context, inv executor.Invocation) (executor.Outcome, error) {
	name := strings.TrimPrefix(inv.Code, Prefix)
	if name == "" {
		name = inv.TaskName
	}
	m, ok := h.lookup(name)
	if !ok {
		return executor.Outcome{}, &TaskFault{Reason: FaultModuleNotFound, Module: name, Detail: "module not loaded"}
	}

	st := &invocation{task: name, replay: executor.NewReplay(inv.Memo)}
	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()
	invokeCtx = context.WithValue(invokeCtx, invocationKey{}, st)

	module, err := h.runtime.InstantiateModule(invokeCtx, m.compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("instantiate wasm task %s: %w", name, err)
	}
	defer func() { _ = module.Close(context.Background()) }()

	if init := module.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(invokeCtx); err != nil {
			return executor.Failed(classifyFault(name, err)), nil
		}
	}

	input := inv.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	inPtr, ok := writeGuest(invokeCtx, module, input)
	if !ok {
		return executor.Failed(&TaskFault{Reason: FaultExecError, Module: name, Detail: "cannot write input to guest memory"}), nil
	}

	results, err := module.ExportedFunction("run").Call(invokeCtx, uint64(inPtr), uint64(len(input)))
	if st.replay.Pending() != nil {
		return st.replay.Outcome(nil, nil), nil
	}
	if st.failure != "" {
		return st.replay.Outcome(nil, errors.New(st.failure)), nil
	}
	if err != nil {
		// A poisoned replay ends the guest the same way a suspension does.
		if out := st.replay.Outcome(nil, nil); out.Status == executor.StatusError {
			return out, nil
		}
		fault := classifyFault(name, err)
		h.logger.Warn("wasm task fault", "task", name, "reason", fault.Reason)
		return executor.Failed(fault), nil
	}
	if len(results) == 0 {
		return executor.Failed(&TaskFault{Reason: FaultBadResult, Module: name, Detail: "run returned no value"}), nil
	}
	ptr, length := unpack(results[0])
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return executor.Failed(&TaskFault{Reason: FaultBadResult, Module: name, Detail: "result out of bounds"}), nil
	}
	result := append(json.RawMessage(nil), data...)
	if !json.Valid(result) {
		return executor.Failed(&TaskFault{Reason: FaultBadResult, Module: name, Detail: "result is not JSON"}), nil
	}
	return st.replay.Outcome(result, nil), nil
}

// classifyFault maps a WASM execution error to a deterministic TaskFault.
func classifyFault(moduleName string, err error) *TaskFault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TaskFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &TaskFault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded || exitErr.ExitCode() == sys.ExitCodeContextCanceled {
			return &TaskFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
		}
		return &TaskFault{Reason: FaultExecError, Module: moduleName, Detail: err.Error()}
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "memory") {
		return &TaskFault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: errMsg}
	}
	return &TaskFault{Reason: FaultExecError, Module: moduleName, Detail: errMsg}
}

func moduleNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}

// readWASMString reads a string from WASM linear memory at the given pointer and length.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeGuest copies data into memory obtained from the guest's alloc export.
func writeGuest(ctx context.Context, module api.Module, data []byte) (uint32, bool) {
	allocFn := module.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, false
	}
	results, err := allocFn.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, false
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, data) {
		return 0, false
	}
	return ptr, true
}

// abort ends the guest run. It mirrors how WASI proc_exit unwinds a module.
func abort(ctx context.Context, module api.Module, code uint32) {
	_ = module.CloseWithExitCode(ctx, code)
	panic(sys.NewExitError(code))
}

func (h *Host) hostCall(ctx context.Context, module api.Module, svcPtr, svcLen, methPtr, methLen, argsPtr, argsLen uint32) uint64 {
	st := invocationFrom(ctx)
	if st == nil {
		h.logger.Error("stackrun.call outside a task run")
		abort(ctx, module, exitFault)
	}
	service, ok1 := readWASMString(module, svcPtr, svcLen)
	method, ok2 := readWASMString(module, methPtr, methLen)
	args, ok3 := module.Memory().Read(argsPtr, argsLen)
	if !ok1 || !ok2 || !ok3 {
		st.failure = "stackrun.call: arguments out of guest memory bounds"
		abort(ctx, module, exitFault)
	}
	rawArgs := append(json.RawMessage(nil), args...)
	if len(rawArgs) > 0 && !json.Valid(rawArgs) {
		st.failure = fmt.Sprintf("stackrun.call %s.%s: args are not JSON", service, method)
		abort(ctx, module, exitFault)
	}

	result, err := st.replay.Call(service, method, rawArgs)
	if err != nil {
		abort(ctx, module, exitSuspend)
	}
	ptr, ok := writeGuest(ctx, module, result)
	if !ok {
		st.failure = fmt.Sprintf("stackrun.call %s.%s: cannot write result to guest memory", service, method)
		abort(ctx, module, exitFault)
	}
	return pack(ptr, uint32(len(result)))
}

func (h *Host) hostFail(ctx context.Context, module api.Module, msgPtr, msgLen uint32) {
	st := invocationFrom(ctx)
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		msg = "task failed"
	}
	if st != nil {
		st.failure = msg
	}
	abort(ctx, module, exitFault)
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("stackrun.log: failed to read message from wasm memory")
		return
	}
	task := ""
	if st := invocationFrom(ctx); st != nil {
		task = st.task
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "task", task, "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "task", task, "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "task", task, "msg", msg)
	default:
		h.logger.Info("wasm guest log", "task", task, "msg", msg)
	}
}
