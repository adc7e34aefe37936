package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/stackrun/internal/persistence"
	"github.com/basket/stackrun/internal/services"
)

func newRegistry(t *testing.T) *services.Registry {
	t.Helper()
	r := services.NewRegistry()
	if err := r.Register(services.Echo{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return r
}

func TestRegistry_UnknownServiceAndMethod(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	if _, err := r.Call(ctx, "nope", "say", nil); !errors.Is(err, services.ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if _, err := r.Call(ctx, "echo", "shout", nil); !errors.Is(err, services.ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
	if r.Has("echo", "shout") || !r.Has("echo", "say") {
		t.Fatal("Has disagrees with the registered methods")
	}
}

func TestRegistry_RejectsDuplicateAndReservedNames(t *testing.T) {
	r := newRegistry(t)
	if err := r.Register(services.Echo{}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := r.Register(reserved{}); err == nil {
		t.Fatal("expected reserved name error")
	}
}

type reserved struct{}

func (reserved) Name() string { return "tasks" }
func (reserved) Methods() map[string]services.Method {
	return map[string]services.Method{"execute": func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil }}
}

func TestEcho_SayAndFail(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	res, err := r.Call(ctx, "echo", "say", json.RawMessage(`{"value":{"n":3}}`))
	if err != nil {
		t.Fatalf("say: %v", err)
	}
	if string(res) != `{"n":3}` {
		t.Fatalf("say result = %s", res)
	}

	res, err = r.Call(ctx, "echo", "say", nil)
	if err != nil || string(res) != "null" {
		t.Fatalf("say without value = %s, %v", res, err)
	}

	_, err = r.Call(ctx, "echo", "fail", json.RawMessage(`{"message":"nope"}`))
	if err == nil || !strings.Contains(err.Error(), "echo.fail: nope") {
		t.Fatalf("fail error = %v", err)
	}
}

func TestRegistry_Describe(t *testing.T) {
	r := newRegistry(t)
	desc := r.Describe()
	if got := desc["echo"]; len(got) != 2 || got[0] != "fail" || got[1] != "say" {
		t.Fatalf("describe echo = %v", got)
	}
}

func TestKV_RoundTrip(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "stackrun.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	r := services.NewRegistry()
	if err := r.Register(services.NewKV(store)); err != nil {
		t.Fatalf("register kv: %v", err)
	}
	ctx := context.Background()

	if _, err := r.Call(ctx, "kv", "set", json.RawMessage(`{"key":"a","value":{"x":[1,2]}}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	res, err := r.Call(ctx, "kv", "get", json.RawMessage(`{"key":"a"}`))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got struct {
		Value json.RawMessage `json:"value"`
		Found bool            `json:"found"`
	}
	if err := json.Unmarshal(res, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Found || string(got.Value) != `{"x":[1,2]}` {
		t.Fatalf("get = %s", res)
	}

	// Values written outside the service come back as JSON strings.
	if err := store.KVSet(ctx, "raw", "plain text"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	res, err = r.Call(ctx, "kv", "get", json.RawMessage(`{"key":"raw"}`))
	if err != nil || !strings.Contains(string(res), `"value":"plain text"`) {
		t.Fatalf("raw get = %s, %v", res, err)
	}

	if _, err := r.Call(ctx, "kv", "delete", json.RawMessage(`{"key":"a"}`)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err = r.Call(ctx, "kv", "get", json.RawMessage(`{"key":"a"}`))
	if err != nil || string(res) != `{"key":"a"}` {
		t.Fatalf("get after delete = %s, %v", res, err)
	}

	if _, err := r.Call(ctx, "kv", "get", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing key")
	}
}
