package pathtrie

import "testing"

func TestInsertLookupExactMatch(t *testing.T) {
	tr := New()
	if err := tr.Insert("/accounts/42/balance", "balance-handler"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	h, ok := tr.Lookup("/accounts/42/balance")
	if !ok || h != "balance-handler" {
		t.Fatalf("Lookup = (%v, %v), want balance-handler/true", h, ok)
	}
}

func TestLookupDoesNotMatchPrefix(t *testing.T) {
	tr := New()
	_ = tr.Insert("/accounts", "root-handler")
	if _, ok := tr.Lookup("/accounts/42"); ok {
		t.Fatal("Lookup matched a prefix-only path")
	}
	if _, ok := tr.Lookup("/accounts/42/balance"); ok {
		t.Fatal("Lookup matched a deep prefix")
	}
}

func TestLookupMissingSegmentFails(t *testing.T) {
	tr := New()
	_ = tr.Insert("/accounts/42/balance", "balance-handler")
	if _, ok := tr.Lookup("/accounts/42"); ok {
		t.Fatal("Lookup matched an intermediate node with no handler")
	}
	if _, ok := tr.Lookup("/other"); ok {
		t.Fatal("Lookup matched an unregistered branch")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	tr := New()
	if err := tr.Insert("/accounts/42", "first"); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := tr.Insert("/accounts/42", "second"); err == nil {
		t.Fatal("duplicate Insert succeeded")
	}
	h, ok := tr.Lookup("/accounts/42")
	if !ok || h != "first" {
		t.Fatalf("duplicate Insert overwrote handler: got (%v, %v)", h, ok)
	}
}

func TestLeadingTrailingDoubleSlashesIgnored(t *testing.T) {
	tr := New()
	if err := tr.Insert("//accounts//42/", "handler"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, ok := tr.Lookup("/accounts/42"); !ok {
		t.Fatal("Lookup failed to match normalized equivalent path")
	}
}

func TestRemoveUnregistersHandler(t *testing.T) {
	tr := New()
	_ = tr.Insert("/accounts/42", "handler")
	tr.Remove("/accounts/42")
	if _, ok := tr.Lookup("/accounts/42"); ok {
		t.Fatal("Lookup found handler after Remove")
	}
	if err := tr.Insert("/accounts/42", "replacement"); err != nil {
		t.Fatalf("re-Insert after Remove: %v", err)
	}
}

func TestRootPath(t *testing.T) {
	tr := New()
	if err := tr.Insert("/", "root"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	h, ok := tr.Lookup("")
	if !ok || h != "root" {
		t.Fatalf("Lookup(\"\") = (%v, %v), want root/true", h, ok)
	}
}
