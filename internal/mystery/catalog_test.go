package mystery

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultCatalogShape(t *testing.T) {
	c := Default()
	if c.Len() != 20 {
		t.Fatalf("expected 20 mysteries, got %d", c.Len())
	}
	for _, s := range []Set{Joyful, Light, Sorrowful, Glorious} {
		if got := len(c.BySet(s)); got != 5 {
			t.Fatalf("set %s: expected 5 mysteries, got %d", s, got)
		}
	}
	seen := map[string]bool{}
	for _, m := range c.All() {
		if m.ID == "" || m.Name == "" || m.Contemplation == "" {
			t.Fatalf("incomplete mystery: %#v", m)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate id %q", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestLookup(t *testing.T) {
	c := Default()
	m, ok := c.Lookup("glorious-pentecost")
	if !ok {
		t.Fatal("expected pentecost to be present")
	}
	if m.Set != Glorious {
		t.Fatalf("unexpected set: %s", m.Set)
	}
	if _, ok := c.Lookup("nope"); ok {
		t.Fatal("lookup of unknown id succeeded")
	}
}

func TestAllReturnsCopy(t *testing.T) {
	c := Default()
	all := c.All()
	all[0].Name = "changed"
	if m, _ := c.Lookup(all[0].ID); m.Name == "changed" {
		t.Fatal("All leaked internal storage")
	}
}

func TestWithout(t *testing.T) {
	c := New([]Mystery{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	got := c.Without([]string{"b", "zzz"})
	want := []Mystery{{ID: "a"}, {ID: "c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Without mismatch (-want +got):\n%s", diff)
	}
	if len(c.Without([]string{"a", "b", "c"})) != 0 {
		t.Fatal("expected empty result")
	}
}

func TestNewDropsDuplicateIDs(t *testing.T) {
	c := New([]Mystery{{ID: "a", Name: "first"}, {ID: "a", Name: "second"}})
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
	if m, _ := c.Lookup("a"); m.Name != "first" {
		t.Fatalf("expected first entry to win, got %q", m.Name)
	}
}

func TestPickRandom(t *testing.T) {
	candidates := []Mystery{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	m, ok := PickRandom(candidates, func(n int) int { return n - 1 })
	if !ok || m.ID != "c" {
		t.Fatalf("unexpected pick: %v %v", m, ok)
	}
	if _, ok := PickRandom(nil, func(int) int { return 0 }); ok {
		t.Fatal("expected no pick from empty candidates")
	}
}

func TestSetText(t *testing.T) {
	data, err := json.Marshal(Mystery{ID: "x", Set: Sorrowful})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Mystery
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Set != Sorrowful {
		t.Fatalf("set not preserved: %s", back.Set)
	}
	if s, err := ParseSet("Luminous"); err != nil || s != Light {
		t.Fatalf("luminous alias: %v %v", s, err)
	}
	if _, err := ParseSet("cheerful"); err == nil {
		t.Fatal("expected error for unknown set")
	}
}
