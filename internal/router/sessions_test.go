package router

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeHandle records reconfiguration and close calls.
type fakeHandle struct {
	mu     sync.Mutex
	cwd    string
	model  string
	mode   string
	closed bool
	runs   []string
	result string
	err    error
	panics bool
}

func (f *fakeHandle) Run(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("backend exploded")
	}
	f.runs = append(f.runs, prompt)
	return f.result, f.err
}

func (f *fakeHandle) SetModel(model string) {
	f.mu.Lock()
	f.model = model
	f.mu.Unlock()
}

func (f *fakeHandle) SetPermissionMode(mode string) {
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
}

func (f *fakeHandle) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// fakeBackend is a factory that remembers every handle it created.
type fakeBackend struct {
	mu      sync.Mutex
	handles []*fakeHandle
	result  string
	err     error
	panics  bool
}

func (b *fakeBackend) factory(cwd, model, mode string) BackendHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &fakeHandle{cwd: cwd, model: model, mode: mode, result: b.result, err: b.err, panics: b.panics}
	b.handles = append(b.handles, h)
	return h
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBackend) {
	t.Helper()
	backend := &fakeBackend{result: "ok"}
	reg := NewRegistry(Defaults{
		Cwd:            t.TempDir(),
		PermissionMode: "default",
		IdleTimeout:    30 * time.Minute,
	}, backend.factory)
	return reg, backend
}

func TestResolveForceNewYieldsDistinctKeys(t *testing.T) {
	reg, _ := newTestRegistry(t)

	key1, new1 := reg.Resolve("alice", true)
	key2, new2 := reg.Resolve("alice", true)

	if !new1 || !new2 {
		t.Errorf("forceNew resolves = (%v, %v), both want isNew=true", new1, new2)
	}
	if key1 == key2 {
		t.Errorf("forced keys must differ, both = %q", key1)
	}
}

func TestResolveFirstContact(t *testing.T) {
	reg, _ := newTestRegistry(t)

	key, isNew := reg.Resolve("alice", false)
	if isNew {
		t.Error("first contact reports isNew=false")
	}
	if key == "" {
		t.Fatal("empty session key")
	}

	again, isNew := reg.Resolve("alice", false)
	if isNew || again != key {
		t.Errorf("second resolve = (%q, %v), want same key, isNew=false", again, isNew)
	}
}

func TestResolveIdleTimeoutRenews(t *testing.T) {
	reg, _ := newTestRegistry(t)

	key1, _ := reg.Resolve("alice", false)
	reg.mu.Lock()
	reg.byIdentity["alice"].lastActivity = time.Now().Add(-31 * time.Minute)
	reg.mu.Unlock()

	key2, isNew := reg.Resolve("alice", false)
	if !isNew {
		t.Error("expired session must resolve as new")
	}
	if key2 == key1 {
		t.Errorf("renewed key must differ from expired key %q", key1)
	}
}

func TestResolveOneSessionPerIdentity(t *testing.T) {
	reg, _ := newTestRegistry(t)

	old, _ := reg.Resolve("alice", false)
	reg.Resolve("alice", true)

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if len(reg.byIdentity) != 1 {
		t.Errorf("byIdentity has %d sessions for one identity", len(reg.byIdentity))
	}
	if _, stale := reg.byKey[old]; stale {
		t.Error("replaced session key still resolvable")
	}
}

func TestSetCwdClosesLiveHandle(t *testing.T) {
	reg, backend := newTestRegistry(t)
	key, _ := reg.Resolve("alice", false)

	if _, err := reg.Handle(key); err != nil {
		t.Fatal(err)
	}
	newDir := t.TempDir()
	if err := reg.SetCwd(key, newDir); err != nil {
		t.Fatalf("SetCwd() error = %v", err)
	}

	if !backend.handles[0].closed {
		t.Error("cwd change must close the live handle")
	}

	// Next prompt gets a fresh handle bound to the new directory.
	if _, err := reg.Handle(key); err != nil {
		t.Fatal(err)
	}
	if len(backend.handles) != 2 {
		t.Fatalf("expected a second handle, got %d", len(backend.handles))
	}
	if backend.handles[1].cwd != newDir {
		t.Errorf("new handle cwd = %q, want %q", backend.handles[1].cwd, newDir)
	}
}

func TestSetCwdRejectsMissingDirectory(t *testing.T) {
	reg, _ := newTestRegistry(t)
	key, _ := reg.Resolve("alice", false)

	if err := reg.SetCwd(key, "/definitely/not/a/real/path"); err == nil {
		t.Error("SetCwd() on missing path should fail")
	}
	cwd, _ := reg.Cwd(key)
	if cwd == "/definitely/not/a/real/path" {
		t.Error("failed SetCwd must not change the session cwd")
	}
}

func TestSetModelPropagatesToLiveHandle(t *testing.T) {
	reg, backend := newTestRegistry(t)
	key, _ := reg.Resolve("alice", false)
	if _, err := reg.Handle(key); err != nil {
		t.Fatal(err)
	}

	if err := reg.SetModel(key, "qwen3-coder-plus"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	if backend.handles[0].model != "qwen3-coder-plus" {
		t.Errorf("live handle model = %q, want propagated value", backend.handles[0].model)
	}
	if backend.handles[0].closed {
		t.Error("model change must not close the handle")
	}
}

func TestClearClosesHandleAndFiresOnEvict(t *testing.T) {
	reg, backend := newTestRegistry(t)
	var evicted []string
	reg.OnEvict = func(key string) { evicted = append(evicted, key) }

	key, _ := reg.Resolve("alice", false)
	if _, err := reg.Handle(key); err != nil {
		t.Fatal(err)
	}
	reg.Clear(key)

	if !backend.handles[0].closed {
		t.Error("Clear must close the live handle")
	}
	if len(evicted) != 1 || evicted[0] != key {
		t.Errorf("OnEvict calls = %v, want [%s]", evicted, key)
	}
	if _, ok := reg.Peek("alice"); ok {
		t.Error("identity still resolvable after Clear")
	}
}

func TestAccessorsOnUnknownSession(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, ok := reg.Cwd("nope"); ok {
		t.Error("Cwd on unknown session should report !ok")
	}
	if err := reg.SetModel("nope", "m"); err == nil {
		t.Error("SetModel on unknown session should fail")
	}
	if _, err := reg.Handle("nope"); err == nil {
		t.Error("Handle on unknown session should fail")
	}
}
