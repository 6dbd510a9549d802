package subdomain

import "testing"

func TestExtract(t *testing.T) {
	cases := []struct {
		host       string
		base       int
		wantName   string
		wantHasOne bool
	}{
		{"oslo.hol.is", 2, "oslo", true},
		{"a.b.c.example.com", 2, "a.b.c", true},
		{"hol.is", 2, "", false},
		{"127.0.0.1", 2, "", false},
		{"localhost", 2, "", false},
		{"localhost:8080", 2, "", false},
		{"oslo.hol.is:443", 2, "oslo", true},
		{"::1", 2, "", false},
	}

	for _, c := range cases {
		name, ok := Extract(c.host, c.base)
		if ok != c.wantHasOne || name != c.wantName {
			t.Errorf("Extract(%q, %d) = (%q, %v), want (%q, %v)", c.host, c.base, name, ok, c.wantName, c.wantHasOne)
		}
	}
}

func TestExtractLeftInverse(t *testing.T) {
	name := "a.b.c"
	base := "example.com"
	host := name + "." + base
	got, ok := Extract(host, 2)
	if !ok || got != name {
		t.Errorf("Extract(%q, 2) = (%q, %v), want (%q, true)", host, got, ok, name)
	}
}
