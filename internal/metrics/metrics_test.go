package metrics

import "testing"

func TestKindLabelCollapsesUntrackedCustomKinds(t *testing.T) {
	if got := KindLabel(9000); got != "9000" {
		t.Fatalf("KindLabel(9000) = %q, want \"9000\"", got)
	}
	if got := KindLabel(1); got != "1" {
		t.Fatalf("KindLabel(1) = %q, want \"1\"", got)
	}
	if got := KindLabel(28934); got != "other" {
		t.Fatalf("KindLabel(28934) = %q, want \"other\"", got)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register() // must not panic on double registration
}
