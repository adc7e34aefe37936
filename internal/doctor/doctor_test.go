package doctor

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/stackrun/internal/config"
	"github.com/basket/stackrun/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		DBPath:   filepath.Join(home, "stackrun.db"),
		TaskDir:  filepath.Join(home, "tasks"),
		BindAddr: "127.0.0.1:0",
		WASM:     config.WASMConfig{Enabled: true},
	}
}

func TestNilConfig_SkipsDependentChecks(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("nil config should fail the config check")
	}
	for _, r := range d.Results[1:] {
		if r.Status != Skip {
			t.Fatalf("%s: status %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckDatabase_ReportsCounts(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := store.CreateTaskRun(context.Background(), persistence.NewTaskRun{
		TaskName: "echo",
		Input:    json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = store.Close()

	res := checkDatabase(context.Background(), cfg)
	if res.Status != Pass {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if res.Detail == "" {
		t.Fatal("expected counts in detail")
	}
}

func TestCheckStaleFrames_CleanDatabase(t *testing.T) {
	cfg := testConfig(t)
	res := checkStaleFrames(context.Background(), cfg)
	if res.Status != Pass {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
}

func TestCheckPermissions_WarnsOnOpenToken(t *testing.T) {
	cfg := testConfig(t)
	if res := checkPermissions(context.Background(), cfg); res.Status != Pass {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if err := os.WriteFile(filepath.Join(cfg.HomeDir, "auth.token"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := checkPermissions(context.Background(), cfg); res.Status != Warn {
		t.Fatalf("status = %s, want WARN", res.Status)
	}
}

func TestCheckTaskDir(t *testing.T) {
	cfg := testConfig(t)
	if res := checkTaskDir(context.Background(), cfg); res.Status != Pass {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	cfg.WASM.Enabled = false
	if res := checkTaskDir(context.Background(), cfg); res.Status != Skip {
		t.Fatalf("status = %s, want SKIP", res.Status)
	}
}

func TestCheckBindAddr_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.BindAddr = ln.Addr().String()
	if res := checkBindAddr(context.Background(), cfg); res.Status != Warn {
		t.Fatalf("status = %s, want WARN", res.Status)
	}
	cfg.BindAddr = "127.0.0.1:0"
	if res := checkBindAddr(context.Background(), cfg); res.Status != Pass {
		t.Fatalf("status = %s, want PASS", res.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := checkNetwork(ctx, cfg); res.Status != Fail {
		t.Fatalf("status = %s, want FAIL", res.Status)
	}
}

func TestCheckNetwork_UsesBaseURLHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "openai_compatible"
	cfg.LLM.CompatibleBaseURL = "http://localhost:11434/v1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := checkNetwork(ctx, cfg)
	if res.Status != Pass {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
}

func TestRunChecks_CustomSet(t *testing.T) {
	called := 0
	check := func(context.Context, *config.Config) CheckResult {
		called++
		return CheckResult{Name: "custom", Status: Pass}
	}
	d := RunChecks(context.Background(), testConfig(t), "v1", []Check{check, check})
	if called != 2 || len(d.Results) != 2 || d.Failed() {
		t.Fatalf("called=%d results=%+v", called, d.Results)
	}
	if d.System.Version != "v1" {
		t.Fatalf("version = %q", d.System.Version)
	}
}
