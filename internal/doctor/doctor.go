// Package doctor runs local diagnostics against a stackrun home directory.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/stackrun/internal/config"
	"github.com/basket/stackrun/internal/persistence"
)

type Status string

const (
	Pass Status = "PASS"
	Fail Status = "FAIL"
	Warn Status = "WARN"
	Skip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == Fail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Check is one diagnostic. A nil cfg means the configuration did not load.
type Check func(context.Context, *config.Config) CheckResult

// DefaultChecks is the set Run uses.
var DefaultChecks = []Check{
	checkConfig,
	checkAPIKey,
	checkDatabase,
	checkStaleFrames,
	checkPermissions,
	checkTaskDir,
	checkBindAddr,
	checkNetwork,
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return RunChecks(ctx, cfg, version, DefaultChecks)
}

func RunChecks(ctx context.Context, cfg *config.Config, version string, checks []Check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: Fail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: Pass, Message: "No config.yaml; using defaults", Detail: cfg.Fingerprint()}
	}
	return CheckResult{Name: "Config", Status: Pass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: cfg.Fingerprint()}
}

var providerEnvVars = map[string]string{
	"google":    "GEMINI_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: Skip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = "google"
	}
	if cfg.LLMProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: Pass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	envVar, ok := providerEnvVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: Warn, Message: fmt.Sprintf("No api_key for provider %q", provider), Detail: "llm.generate calls will fail"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  Warn,
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  "llm.generate calls will fail; other services are unaffected",
	}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(cfg.DBPath, nil)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: Skip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskRunCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	pending, err := store.CountDispatchable(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  Pass,
		Message: "Connection and schema valid",
		Detail: fmt.Sprintf("queued=%d processing=%d completed=%d failed=%d dispatchable=%d",
			counts[persistence.TaskRunQueued], counts[persistence.TaskRunProcessing],
			counts[persistence.TaskRunCompleted], counts[persistence.TaskRunFailed], pending),
	}
}

// staleAfter is how long a non-terminal frame may sit untouched before the
// doctor reports it.
const staleAfter = time.Hour

func checkStaleFrames(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Stale Frames", Status: Skip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Stale Frames", Status: Skip, Message: "Database unavailable"}
	}
	defer store.Close()

	stale, err := store.ListStaleStackRuns(ctx, []persistence.StackRunStatus{
		persistence.StackRunPending,
		persistence.StackRunProcessing,
		persistence.StackRunPendingResume,
	}, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return CheckResult{Name: "Stale Frames", Status: Fail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(stale) == 0 {
		return CheckResult{Name: "Stale Frames", Status: Pass, Message: "No frames idle longer than " + staleAfter.String()}
	}
	ids := make([]string, 0, 5)
	for i := 0; i < len(stale) && i < 5; i++ {
		ids = append(ids, stale[i].ID)
	}
	return CheckResult{
		Name:    "Stale Frames",
		Status:  Warn,
		Message: fmt.Sprintf("%d frames idle longer than %s", len(stale), staleAfter),
		Detail:  "oldest: " + strings.Join(ids, ", ") + "; set engine.watchdog_timeout or fail them via POST /v1/stack-runs/{id}/fail",
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: Skip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: Fail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if info, err := os.Stat(tokenPath); err == nil && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Permissions", Status: Warn, Message: "auth.token is readable by other users", Detail: "chmod 600 " + tokenPath}
	}
	return CheckResult{Name: "Permissions", Status: Pass, Message: "Home directory writable"}
}

func checkTaskDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "WASM Tasks", Status: Skip, Message: "Config missing"}
	}
	if !cfg.WASM.Enabled {
		return CheckResult{Name: "WASM Tasks", Status: Skip, Message: "wasm disabled"}
	}
	modules, _ := filepath.Glob(filepath.Join(cfg.TaskDir, "*.wasm"))
	sources, _ := filepath.Glob(filepath.Join(cfg.TaskDir, "*.go"))
	detail := fmt.Sprintf("dir=%s modules=%d sources=%d", cfg.TaskDir, len(modules), len(sources))
	if len(sources) > 0 {
		if _, err := exec.LookPath("tinygo"); err != nil {
			return CheckResult{Name: "WASM Tasks", Status: Warn, Message: "tinygo missing; .go task sources will not compile", Detail: detail}
		}
	}
	return CheckResult{Name: "WASM Tasks", Status: Pass, Message: fmt.Sprintf("%d prebuilt modules", len(modules)), Detail: detail}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: Skip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  Warn,
			Message: fmt.Sprintf("%s is in use", cfg.BindAddr),
			Detail:  "fine if stackrun serve is already running; otherwise change bind_addr",
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: Pass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}

var providerHosts = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: Skip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	host, ok := providerHosts[provider]
	if base := cfg.LLMBaseURL(); base != "" {
		if h := hostOf(base); h != "" {
			host, ok = h, true
		}
	}
	if !ok {
		host = providerHosts["google"]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  Fail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  Pass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
