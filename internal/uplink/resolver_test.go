package uplink

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-edgesync/internal/entity"
	"github.com/nerrad567/gray-logic-edgesync/internal/infrastructure/config"
)

func TestResolve(t *testing.T) {
	incoming := &entity.Entity{ID: uuid.New(), Type: entity.TypeDevice, Name: "Pump"}

	t.Run("no holder", func(t *testing.T) {
		d := NewResolver(nil).Resolve(nil, incoming)
		if d.Outcome != Accepted || d.NewID != incoming.ID || d.NewName != "Pump" {
			t.Errorf("Resolve() = %+v, want accepted as-is", d)
		}
	})

	t.Run("same entity", func(t *testing.T) {
		d := NewResolver(nil).Resolve(incoming.Clone(), incoming)
		if d.Outcome != Accepted {
			t.Errorf("Outcome = %v, want accepted", d.Outcome)
		}
	})

	t.Run("different entity", func(t *testing.T) {
		existing := &entity.Entity{ID: uuid.New(), Type: entity.TypeDevice, Name: "Pump"}

		// The allocator first hands out both known ids and the nil id.
		ids := []uuid.UUID{existing.ID, incoming.ID, uuid.Nil, uuid.New()}
		r := &Resolver{
			Policy: CounterSuffixPolicy{},
			NewID: func() uuid.UUID {
				id := ids[0]
				ids = ids[1:]
				return id
			},
		}

		d := r.Resolve(existing, incoming)
		if d.Outcome != Reallocated {
			t.Fatalf("Outcome = %v, want reallocated", d.Outcome)
		}
		if d.NewID == existing.ID || d.NewID == incoming.ID || d.NewID == uuid.Nil {
			t.Errorf("NewID = %s collides", d.NewID)
		}
		if d.NewName != "Pump (1)" {
			t.Errorf("NewName = %q, want %q", d.NewName, "Pump (1)")
		}
	})
}

func TestRandomSuffixPolicy(t *testing.T) {
	got := RandomSuffixPolicy{}.Rename("Pump")
	if !strings.HasPrefix(got, "Pump_") {
		t.Fatalf("Rename() = %q, want prefix Pump_", got)
	}
	suffix := strings.TrimPrefix(got, "Pump_")
	if len(suffix) != 15 {
		t.Errorf("suffix length = %d, want 15", len(suffix))
	}
	for _, r := range suffix {
		if !strings.ContainsRune(suffixAlphabet, r) {
			t.Errorf("suffix %q contains %q", suffix, r)
		}
	}
	if (RandomSuffixPolicy{}).Rename("Pump") == got {
		t.Error("two renames produced the same name")
	}
}

func TestCounterSuffixPolicy(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Pump", "Pump (1)"},
		{"Pump (1)", "Pump (2)"},
		{"Pump (9)", "Pump (10)"},
		{"Pump (x)", "Pump (x) (1)"},
		{"(3)", "(3) (1)"},
	}
	for _, tt := range tests {
		if got := (CounterSuffixPolicy{}).Rename(tt.in); got != tt.want {
			t.Errorf("Rename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenameFitsMaxLength(t *testing.T) {
	long := strings.Repeat("é", entity.MaxNameLength)
	for _, policy := range []NamePolicy{RandomSuffixPolicy{}, CounterSuffixPolicy{}} {
		got := policy.Rename(long)
		if n := utf8.RuneCountInString(got); n != entity.MaxNameLength {
			t.Errorf("%T: length = %d, want %d", policy, n, entity.MaxNameLength)
		}
	}
}

func TestPolicyFromConfig(t *testing.T) {
	if _, ok := PolicyFromConfig(config.ConflictPolicyCounterSuffix).(CounterSuffixPolicy); !ok {
		t.Error("counter_suffix should map to CounterSuffixPolicy")
	}
	if _, ok := PolicyFromConfig(config.ConflictPolicyRandomSuffix).(RandomSuffixPolicy); !ok {
		t.Error("random_suffix should map to RandomSuffixPolicy")
	}
}
