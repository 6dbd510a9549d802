package kinds

import "testing"

func TestIsReplaceable(t *testing.T) {
	cases := map[int]bool{
		1:     false,
		10002: true,
		19999: true,
		20000: false,
		30000: true,
		39003: true,
		40000: false,
	}
	for kind, want := range cases {
		if got := IsReplaceable(kind); got != want {
			t.Errorf("IsReplaceable(%d) = %v, want %v", kind, got, want)
		}
	}
}

func TestIsGroupManagement(t *testing.T) {
	for _, k := range []int{9000, 9001, 9002, 9005, 9006, 9007, 9008, 9009, 9021, 9022} {
		if !IsGroupManagement(k) {
			t.Errorf("IsGroupManagement(%d) = false, want true", k)
		}
	}
	for _, k := range []int{1, 5, 9003, 9004, 9020, 39000} {
		if IsGroupManagement(k) {
			t.Errorf("IsGroupManagement(%d) = true, want false", k)
		}
	}
}

func TestRequiresHTag(t *testing.T) {
	allowed := DefaultNonGroupAllowed
	if RequiresHTag(5, allowed) {
		t.Error("kind 5 (deletion) should bypass h-tag requirement")
	}
	if !RequiresHTag(1, allowed) {
		t.Error("kind 1 should require an h-tag on this relay")
	}
	if !RequiresHTag(9007, allowed) {
		t.Error("kind 9007 (create group) should require an h-tag")
	}
}

func TestTagName(t *testing.T) {
	if TagName(39000) != "d" {
		t.Error("addressable state kinds should key on d tag")
	}
	if TagName(9007) != "h" {
		t.Error("group management kinds should key on h tag")
	}
}
