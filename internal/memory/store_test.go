package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	n := NewNode("n1", "original", KindFact, t0)
	if err := s.CreateNode(ctx, n); err != nil {
		t.Fatal(err)
	}
	n.Content = "mutated after create"

	got, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "original" {
		t.Fatalf("store shares memory with caller: %q", got.Content)
	}
	got.Content = "mutated after get"
	again, _ := s.GetNode(ctx, "n1")
	if again.Content != "original" {
		t.Fatalf("store shares memory with reader: %q", again.Content)
	}
}

func TestMemStoreCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	if err := s.CreateNode(ctx, NewNode("n1", "x", KindFact, t0)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateNode(ctx, NewNode("n1", "y", KindFact, t0)); !errors.Is(err, ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestMemStoreCommitMissing(t *testing.T) {
	s := NewMemStore()
	err := s.CommitNode(context.Background(), NewNode("ghost", "x", KindFact, t0))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemStoreOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateNode(ctx, NewNode("b", "x", KindFact, t0.Add(time.Hour)))
	_ = s.CreateNode(ctx, NewNode("a", "x", KindFact, t0.Add(time.Hour)))
	_ = s.CreateNode(ctx, NewNode("c", "x", KindFact, t0))

	nodes, err := s.GetActiveNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "a", "b"}
	for i, n := range nodes {
		if n.ID != want[i] {
			t.Fatalf("order = %v at %d, want %v", n.ID, i, want)
		}
	}
}

func TestMemStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemStore().GetActiveNodes(ctx)
	if !IsFatal(err) {
		t.Fatalf("got %v, want fatal store error", err)
	}
}

func TestMemStoreInsightAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_ = s.CreateNode(ctx, NewNode("a", "x", KindFact, t0))
	_ = s.CreateNode(ctx, NewNode("b", "y", KindPattern, t0))

	insight := NewNode("i1", "a relates to b", KindInsight, t0)
	rel := Relation{From: "a", To: "b", Kind: "analogy", Strength: 0.8}

	missing := Relation{From: "a", To: "zzz"}
	if err := s.PersistInsight(ctx, NewNode("i0", "x", KindInsight, t0), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound for missing support", err)
	}

	if err := s.PersistInsight(ctx, insight, rel); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasLink(ctx, "b", "a"); !ok {
		t.Fatal("expected link in either direction")
	}
	if got := s.DerivedFrom("i1"); len(got) != 2 {
		t.Fatalf("derived from = %v", got)
	}

	if err := s.DeleteNodes(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasLink(ctx, "a", "b"); ok {
		t.Error("link to deleted node survived")
	}
	if _, err := s.GetNode(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if len(s.Links()) != 0 {
		t.Errorf("links = %v, want none", s.Links())
	}
}
