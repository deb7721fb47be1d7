package reputation

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	coreerrors "agentmarket/core/errors"
)

func TestAddRelationshipValidation(t *testing.T) {
	n := NewNetwork()
	at := time.Unix(1_700_000_000, 0)
	if err := n.AddRelationship("a", "a", 0.9, at); !errors.Is(err, coreerrors.ErrForbidden) {
		t.Fatalf("expected forbidden self edge, got %v", err)
	}
	if err := n.AddRelationship("a", "b", 1.2, at); !errors.Is(err, coreerrors.ErrInvalidAmount) {
		t.Fatalf("expected invalid level, got %v", err)
	}
	if err := n.AddRelationship("a", "b", 0.8, at); err != nil {
		t.Fatalf("add: %v", err)
	}
	later := at.Add(time.Hour)
	if err := n.AddRelationship("a", "b", 0.6, later); err != nil {
		t.Fatalf("update: %v", err)
	}
	rel, ok := n.Relationship("a", "b")
	if !ok || rel.Level != 0.6 || !rel.CreatedAt.Equal(at) || !rel.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected relationship %+v", rel)
	}
}

func TestTrustPathAndIndirectTrust(t *testing.T) {
	n := NewNetwork()
	at := time.Unix(1_700_000_000, 0)
	mustAdd := func(a, b string, level float64) {
		t.Helper()
		if err := n.AddRelationship(a, b, level, at); err != nil {
			t.Fatalf("add %s->%s: %v", a, b, err)
		}
	}
	mustAdd("a", "b", 0.9)
	mustAdd("b", "c", 0.8)
	mustAdd("a", "x", 0.4)
	mustAdd("x", "c", 0.9)

	if got := n.TrustPath("a", "c", 3); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected path %v", got)
	}
	if got := n.IndirectTrust("a", "c"); math.Abs(got-0.72) > 1e-12 {
		t.Fatalf("expected 0.72, got %v", got)
	}
	if got := n.IndirectTrust("a", "a"); got != 1 {
		t.Fatalf("self trust should be 1, got %v", got)
	}
	if got := n.TrustPath("c", "a", 3); got != nil {
		t.Fatalf("edges are directed, got %v", got)
	}
	if got := n.IndirectTrust("c", "a"); got != 0 {
		t.Fatalf("expected zero trust without a path, got %v", got)
	}
}

func TestTrustPathRespectsHopLimit(t *testing.T) {
	n := NewNetwork()
	at := time.Unix(1_700_000_000, 0)
	chain := []string{"a", "b", "c", "d", "e"}
	for i := 0; i+1 < len(chain); i++ {
		if err := n.AddRelationship(chain[i], chain[i+1], 0.9, at); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := n.TrustPath("a", "e", 3); got != nil {
		t.Fatalf("four hops must exceed the limit, got %v", got)
	}
	if got := n.TrustPath("a", "d", 0); len(got) != 4 {
		t.Fatalf("default limit should reach three hops, got %v", got)
	}
	if got := n.TrustPath("a", "e", 4); len(got) != 5 {
		t.Fatalf("expected full chain, got %v", got)
	}
}

func TestTrustPathTieBreaksLexically(t *testing.T) {
	n := NewNetwork()
	at := time.Unix(1_700_000_000, 0)
	for _, mid := range []string{"m2", "m1"} {
		if err := n.AddRelationship("a", mid, 0.9, at); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := n.AddRelationship(mid, "z", 0.9, at); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if got := n.TrustPath("a", "z", 3); !reflect.DeepEqual(got, []string{"a", "m1", "z"}) {
		t.Fatalf("unexpected path %v", got)
	}
}

func TestBlockWinsOverAllow(t *testing.T) {
	n := NewNetwork()
	if !n.IsTrusted("stranger") {
		t.Fatalf("unlisted agents are trusted")
	}
	n.Allow("agent", "partner")
	n.Block("agent", "fraud")
	if n.IsTrusted("agent") {
		t.Fatalf("block must win")
	}
}
