package freeze

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/risk"
)

func openTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "freezes.db")
	r, err := Open(path, logr.Discard())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, path
}

func TestFreezeIsIdempotent(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()

	rec1, created, err := r.Freeze(ctx, AgentScope("a1"), "violation", "act-1", risk.Critical)
	if err != nil || !created {
		t.Fatalf("first freeze: created=%v err=%v", created, err)
	}
	rec2, created, err := r.Freeze(ctx, AgentScope("a1"), "again", "act-2", risk.High)
	if err != nil {
		t.Fatalf("second freeze: %v", err)
	}
	if created {
		t.Fatal("second freeze of the same scope reported created")
	}
	if rec2.ID != rec1.ID {
		t.Fatalf("second freeze returned a different record")
	}
}

func TestSystemFreezePrecedence(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()

	if r.IsAgentFrozen("a1", "data_processor") {
		t.Fatal("agent frozen before any freeze")
	}

	if _, _, err := r.Freeze(ctx, SystemScope(), "integrity break", "", risk.Emergency); err != nil {
		t.Fatalf("system freeze: %v", err)
	}

	if !r.SystemFrozen() {
		t.Fatal("SystemFrozen false after system freeze")
	}
	if !r.IsAgentFrozen("a1", "data_processor") {
		t.Fatal("system freeze does not cover agents")
	}
	if !r.IsFrozen(ModuleScope("data_processor")) {
		t.Fatal("system freeze does not cover modules")
	}
}

func TestModuleFreezeCoversItsAgents(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()

	if _, _, err := r.Freeze(ctx, ModuleScope("etl"), "bad batch", "", risk.High); err != nil {
		t.Fatalf("module freeze: %v", err)
	}

	if !r.IsAgentFrozen("a1", "etl") {
		t.Fatal("agent in frozen module not blocked")
	}
	if r.IsAgentFrozen("a2", "reporting") {
		t.Fatal("agent in unrelated module blocked")
	}
}

func TestUnfreezeRequiresAdmin(t *testing.T) {
	r, _ := openTestRegistry(t)
	ctx := context.Background()

	if _, _, err := r.Freeze(ctx, AgentScope("a1"), "violation", "", risk.High); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if _, err := r.Unfreeze(ctx, AgentScope("a1"), "", "looks fine"); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("anonymous unfreeze: got %v", err)
	}

	rec, err := r.Unfreeze(ctx, AgentScope("a1"), "admin-1", "reviewed")
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if rec.UnfreezeAuthorizedBy != "admin-1" || rec.UnfrozenAt == nil {
		t.Fatal("unfreeze did not record the admin")
	}
	if r.IsAgentFrozen("a1", "") {
		t.Fatal("agent still frozen after unfreeze")
	}

	if _, err := r.Unfreeze(ctx, AgentScope("a1"), "admin-1", "again"); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("double unfreeze: got %v", err)
	}
}

func TestActiveFreezesSurviveReopen(t *testing.T) {
	r, path := openTestRegistry(t)
	ctx := context.Background()

	if _, _, err := r.Freeze(ctx, AgentScope("a1"), "violation", "", risk.High); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if _, _, err := r.Freeze(ctx, ModuleScope("etl"), "bad batch", "", risk.Medium); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	r.Close()

	reopened, err := Open(path, logr.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if !reopened.IsFrozen(AgentScope("a1")) || !reopened.IsFrozen(ModuleScope("etl")) {
		t.Fatal("active freezes lost across reopen")
	}
	if got := len(reopened.ActiveFreezes()); got != 2 {
		t.Fatalf("got %d active freezes after reopen, want 2", got)
	}
}
