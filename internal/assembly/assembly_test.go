package assembly

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgallion1/docdraft/internal/agent"
	"github.com/dgallion1/docdraft/internal/store"
)

type countingAssembler struct {
	calls int
	fail  error
}

func (a *countingAssembler) Call(ctx context.Context, req agent.Payload) (agent.Payload, error) {
	a.calls++
	if a.fail != nil {
		return nil, a.fail
	}
	secs, _ := req.Strings("sections")
	return agent.Payload{"final_document": strings.Join(secs, "\n\n")}, nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, Entry) error { return errors.New("cache down") }
func (brokenCache) Delete(context.Context, string) error    { return errors.New("cache down") }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, cache Cache) (*Service, *countingAssembler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "assembly.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	asm := &countingAssembler{}
	return NewService(asm, cache, st, testLogger()), asm, st
}

func TestAssemble_CacheHitAndMiss(t *testing.T) {
	svc, asm, _ := newTestService(t, NewMemoryCache())
	ctx := context.Background()

	doc, cached, err := svc.Assemble(ctx, "p1", []string{"intro", "body"})
	if err != nil || cached {
		t.Fatalf("first assemble: cached=%v err=%v", cached, err)
	}
	if doc != "intro\n\nbody" {
		t.Fatalf("unexpected document %q", doc)
	}

	doc2, cached, err := svc.Assemble(ctx, "p1", []string{"intro", "body"})
	if err != nil || !cached || doc2 != doc {
		t.Fatalf("expected cache hit, got cached=%v doc=%q err=%v", cached, doc2, err)
	}
	if asm.calls != 1 {
		t.Fatalf("expected 1 assembler call, got %d", asm.calls)
	}

	// Changed content or order is a hash mismatch.
	if _, cached, _ = svc.Assemble(ctx, "p1", []string{"body", "intro"}); cached {
		t.Fatal("expected reordered sections to miss")
	}
	if asm.calls != 2 {
		t.Fatalf("expected 2 assembler calls, got %d", asm.calls)
	}
}

func TestSaveSectionInvalidates(t *testing.T) {
	svc, asm, _ := newTestService(t, NewMemoryCache())
	ctx := context.Background()

	if err := svc.SaveSection(ctx, store.Section{ProjectKey: "p", Position: 0, Content: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.SaveSection(ctx, store.Section{ProjectKey: "p", Position: 1, Content: "two"}); err != nil {
		t.Fatal(err)
	}

	doc, _, err := svc.AssembleProject(ctx, "p")
	if err != nil || doc != "one\n\ntwo" {
		t.Fatalf("AssembleProject = %q, %v", doc, err)
	}
	if _, cached, _ := svc.AssembleProject(ctx, "p"); !cached {
		t.Fatal("expected second assembly cached")
	}

	if err := svc.SaveSection(ctx, store.Section{ProjectKey: "p", Position: 1, Content: "two, revised"}); err != nil {
		t.Fatal(err)
	}
	doc, cached, err := svc.AssembleProject(ctx, "p")
	if err != nil || cached {
		t.Fatalf("expected miss after SaveSection, cached=%v err=%v", cached, err)
	}
	if doc != "one\n\ntwo, revised" {
		t.Fatalf("unexpected document %q", doc)
	}
	if asm.calls != 2 {
		t.Fatalf("expected 2 assembler calls, got %d", asm.calls)
	}
}

func TestAssemble_SameContentSkipsEvenAfterInvalidationOfOtherProject(t *testing.T) {
	svc, asm, _ := newTestService(t, NewMemoryCache())
	ctx := context.Background()
	svc.Assemble(ctx, "a", []string{"x"})
	svc.Assemble(ctx, "b", []string{"x"})
	svc.SaveSection(ctx, store.Section{ProjectKey: "b", Content: "y"})
	if _, cached, _ := svc.Assemble(ctx, "a", []string{"x"}); !cached {
		t.Fatal("invalidating b must not affect a")
	}
	if asm.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", asm.calls)
	}
}

func TestAssemble_BrokenCacheFallsThrough(t *testing.T) {
	svc, asm, _ := newTestService(t, brokenCache{})
	doc, cached, err := svc.Assemble(context.Background(), "p", []string{"s"})
	if err != nil || cached || doc != "s" {
		t.Fatalf("Assemble = %q, %v, %v", doc, cached, err)
	}
	if asm.calls != 1 {
		t.Fatalf("expected assembler called, got %d", asm.calls)
	}
}

func TestAssemble_Errors(t *testing.T) {
	svc, asm, _ := newTestService(t, NewMemoryCache())
	if _, _, err := svc.Assemble(context.Background(), "p", nil); !errors.Is(err, ErrNoSections) {
		t.Fatalf("expected ErrNoSections, got %v", err)
	}

	asm.fail = errors.New("assembler offline")
	if _, _, err := svc.Assemble(context.Background(), "p", []string{"s"}); err == nil {
		t.Fatal("expected assembler error")
	}

	empty := NewService(agent.Func(func(context.Context, agent.Payload) (agent.Payload, error) {
		return agent.Payload{}, nil
	}), nil, nil, testLogger())
	if _, _, err := empty.Assemble(context.Background(), "p", []string{"s"}); !errors.Is(err, ErrMissingDocument) {
		t.Fatalf("expected ErrMissingDocument, got %v", err)
	}
}

func TestServiceAgent(t *testing.T) {
	svc, _, _ := newTestService(t, NewMemoryCache())
	a := svc.Agent()
	out, err := a.Call(context.Background(), agent.Payload{"project_key": "run-1", "draft": "final text"})
	if err != nil {
		t.Fatal(err)
	}
	if doc, _ := out.Text("final_document"); doc != "final text" {
		t.Fatalf("unexpected final_document %q", doc)
	}
	if _, err := a.Call(context.Background(), agent.Payload{"draft": "x"}); err == nil {
		t.Fatal("expected missing project_key error")
	}
}

func TestHashSections(t *testing.T) {
	if HashSections([]string{"ab", "c"}) == HashSections([]string{"a", "bc"}) {
		t.Fatal("section boundaries must affect the hash")
	}
	if HashSections([]string{"x"}) != HashSections([]string{"x"}) {
		t.Fatal("hash must be deterministic")
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, RedisConfig{Addr: addr, KeyPrefix: "docdraft:test:" + t.Name() + ":", TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()

	if _, ok, err := c.Get(ctx, "p"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "p", Entry{Hash: "h", Document: "d"}); err != nil {
		t.Fatal(err)
	}
	e, ok, err := c.Get(ctx, "p")
	if err != nil || !ok || e.Document != "d" {
		t.Fatalf("Get = %+v, %v, %v", e, ok, err)
	}
	if err := c.Delete(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := c.Get(ctx, "p"); ok {
		t.Fatal("expected miss after delete")
	}
}
