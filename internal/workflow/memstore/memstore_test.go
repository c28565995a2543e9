package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

func testInstance(id, alertID string) *workflow.Instance {
	return &workflow.Instance{
		ID: id,
		Alert: &alert.Alert{
			ID:           alertID,
			Timestamp:    time.Now(),
			SourceSystem: "test-siem",
			Type:         alert.TypeBruteForce,
			Description:  "repeated failed logins",
		},
		State:     workflow.StateInitiated,
		CreatedAt: time.Now(),
	}
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inst := testInstance("wf-1", "A1")

	if err := s.Put(ctx, inst); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected instance")
	}
	if got.State != workflow.StateInitiated {
		t.Errorf("state = %q", got.State)
	}
	if got.Alert.ID != "A1" {
		t.Errorf("alert id = %q", got.Alert.ID)
	}
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestGetByAlert(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if err := s.Put(ctx, testInstance("wf-1", "A1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.GetByAlert(ctx, "A1")
	if err != nil {
		t.Fatalf("GetByAlert: %v", err)
	}
	if !ok {
		t.Fatal("expected instance")
	}
	if got.ID != "wf-1" {
		t.Errorf("workflow id = %q", got.ID)
	}

	if _, ok, _ := s.GetByAlert(ctx, "A2"); ok {
		t.Error("unknown alert must miss")
	}
}

func TestList_MostRecentFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"wf-1", "wf-2", "wf-3"} {
		inst := testInstance(id, "A"+id)
		inst.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Put(ctx, inst); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d instances, want 3", len(got))
	}
	if got[0].ID != "wf-3" || got[2].ID != "wf-1" {
		t.Errorf("order = %s, %s, %s; want wf-3 first", got[0].ID, got[1].ID, got[2].ID)
	}

	got, err = s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d instances with limit 2", len(got))
	}
	if got[0].ID != "wf-3" {
		t.Errorf("truncated list starts with %s, want wf-3", got[0].ID)
	}
}

func TestList_Empty(t *testing.T) {
	t.Parallel()

	s := New()
	got, err := s.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d instances, want 0", len(got))
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inst := testInstance("wf-1", "A1")
	inst.Trace = []workflow.StageTrace{{Stage: "normalize", Status: workflow.StageCompleted}}

	if err := s.Put(ctx, inst); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, _, _ := s.Get(ctx, "wf-1")
	got.State = workflow.StateFailed
	got.Trace[0].Status = workflow.StageFailed

	again, _, _ := s.Get(ctx, "wf-1")
	if again.State != workflow.StateInitiated {
		t.Error("stored state mutated through returned pointer")
	}
	if again.Trace[0].Status != workflow.StageCompleted {
		t.Error("stored trace mutated through returned slice")
	}
}

func TestPut_Overwrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inst := testInstance("wf-1", "A1")

	if err := s.Put(ctx, inst); err != nil {
		t.Fatalf("Put: %v", err)
	}

	inst.State = workflow.StateCompleted
	inst.Verdict = &workflow.Verdict{Outcome: workflow.OutcomeResolved}
	if err := s.Put(ctx, inst); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, _, _ := s.Get(ctx, "wf-1")
	if got.State != workflow.StateCompleted {
		t.Errorf("state = %q, want COMPLETED", got.State)
	}
	if got.Verdict == nil || got.Verdict.Outcome != workflow.OutcomeResolved {
		t.Error("verdict not persisted")
	}
}
