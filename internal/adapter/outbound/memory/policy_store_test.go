package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/runlok/runlok/internal/domain/policy"
)

func testVersion(id, label string, created time.Time) *policy.Version {
	return &policy.Version{
		ID:          id,
		Label:       label,
		Source:      "version: \"" + label + "\"\nrules: []\n",
		Fingerprint: "fp-" + label,
		CreatedAt:   created,
	}
}

func TestPolicyStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	v := testVersion("id-1", "1.0.0", time.Now().UTC())
	if err := store.Create(ctx, v, false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.Get(ctx, "id-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Label != "1.0.0" {
		t.Errorf("Label = %q, want %q", got.Label, "1.0.0")
	}
	if got.Active {
		t.Error("Create(activate=false) stored an active version")
	}

	byLabel, err := store.GetByLabel(ctx, "1.0.0")
	if err != nil {
		t.Fatalf("GetByLabel() error: %v", err)
	}
	if byLabel.ID != "id-1" {
		t.Errorf("GetByLabel().ID = %q, want %q", byLabel.ID, "id-1")
	}
}

func TestPolicyStore_CreateDuplicateLabel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.Create(ctx, testVersion("id-1", "1.0.0", time.Now().UTC()), false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	err := store.Create(ctx, testVersion("id-2", "1.0.0", time.Now().UTC()), false)
	if !errors.Is(err, policy.ErrVersionExists) {
		t.Errorf("Create() duplicate label error = %v, want ErrVersionExists", err)
	}
}

func TestPolicyStore_CreateWithActivate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.Create(ctx, testVersion("id-1", "1.0.0", time.Now().UTC()), true); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	active, err := store.Active(ctx)
	if err != nil {
		t.Fatalf("Active() error: %v", err)
	}
	if active.ID != "id-1" || !active.Active {
		t.Errorf("Active() = %+v, want id-1 active", active)
	}

	// A second create-with-activate flips the flag over.
	if err := store.Create(ctx, testVersion("id-2", "2.0.0", time.Now().UTC()), true); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	active, _ = store.Active(ctx)
	if active.ID != "id-2" {
		t.Errorf("Active().ID = %q, want id-2", active.ID)
	}
	old, _ := store.Get(ctx, "id-1")
	if old.Active {
		t.Error("previous version still flagged active")
	}
}

func TestPolicyStore_ActiveNone(t *testing.T) {
	t.Parallel()

	store := NewPolicyStore()
	_, err := store.Active(context.Background())
	if !errors.Is(err, policy.ErrNoActiveVersion) {
		t.Errorf("Active() error = %v, want ErrNoActiveVersion", err)
	}
}

func TestPolicyStore_Activate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.Create(ctx, testVersion("id-1", "1.0.0", time.Now().UTC()), true); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Create(ctx, testVersion("id-2", "2.0.0", time.Now().UTC()), false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	previous, err := store.Activate(ctx, "id-2")
	if err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if previous == nil || previous.ID != "id-1" {
		t.Errorf("Activate() previous = %+v, want id-1", previous)
	}

	active, _ := store.Active(ctx)
	if active.ID != "id-2" {
		t.Errorf("Active().ID = %q, want id-2", active.ID)
	}
}

func TestPolicyStore_ActivateUnknown(t *testing.T) {
	t.Parallel()

	store := NewPolicyStore()
	_, err := store.Activate(context.Background(), "missing")
	if !errors.Is(err, policy.ErrVersionNotFound) {
		t.Errorf("Activate() error = %v, want ErrVersionNotFound", err)
	}
}

func TestPolicyStore_ActivateNoPrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.Create(ctx, testVersion("id-1", "1.0.0", time.Now().UTC()), false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	previous, err := store.Activate(ctx, "id-1")
	if err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if previous != nil {
		t.Errorf("Activate() previous = %+v, want nil", previous)
	}
}

func TestPolicyStore_SingleActiveInvariant_ConcurrentActivate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	ids := []string{"id-1", "id-2", "id-3", "id-4"}
	for i, id := range ids {
		v := testVersion(id, fmt.Sprintf("1.0.%d", i), time.Now().UTC())
		if err := store.Create(ctx, v, false); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := store.Activate(ctx, id); err != nil {
				t.Errorf("Activate(%s) error: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	versions, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	activeCount := 0
	for _, v := range versions {
		if v.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active versions = %d, want exactly 1", activeCount)
	}
}

func TestPolicyStore_List_NewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()
	base := time.Now().UTC()

	if err := store.Create(ctx, testVersion("id-1", "1.0.0", base.Add(1*time.Second)), false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Create(ctx, testVersion("id-2", "2.0.0", base.Add(2*time.Second)), false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "id-2" || got[1].ID != "id-1" {
		t.Errorf("List() order wrong: got %s, %s", got[0].ID, got[1].ID)
	}
}

func TestPolicyStore_Replace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	v := testVersion("id-1", "file:policies.yml", time.Now().UTC())
	if err := store.Create(ctx, v, true); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	updated := testVersion("ignored", "file:policies.yml", time.Now().UTC())
	updated.Source = "version: \"2\"\nrules: []\n"
	updated.Fingerprint = "fp-updated"
	if err := store.Replace(ctx, updated); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}

	got, _ := store.GetByLabel(ctx, "file:policies.yml")
	if got.ID != "id-1" {
		t.Errorf("Replace() changed ID: %q", got.ID)
	}
	if got.Fingerprint != "fp-updated" {
		t.Errorf("Fingerprint = %q, want fp-updated", got.Fingerprint)
	}
	if !got.Active {
		t.Error("Replace() dropped the active flag")
	}
}

func TestPolicyStore_ReplaceUnknownLabel(t *testing.T) {
	t.Parallel()

	store := NewPolicyStore()
	err := store.Replace(context.Background(), testVersion("id-1", "missing", time.Now().UTC()))
	if !errors.Is(err, policy.ErrVersionNotFound) {
		t.Errorf("Replace() error = %v, want ErrVersionNotFound", err)
	}
}

func TestPolicyStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPolicyStore()

	if err := store.Create(ctx, testVersion("id-1", "1.0.0", time.Now().UTC()), false); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, _ := store.Get(ctx, "id-1")
	got.Source = "mutated"

	fresh, _ := store.Get(ctx, "id-1")
	if fresh.Source == "mutated" {
		t.Error("mutating returned version leaked into the store")
	}
}
