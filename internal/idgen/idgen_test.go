package idgen

import (
	"strings"
	"testing"
)

func TestNew_Unique(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if len(a) != 36 {
		t.Fatalf("expected uuid length 36, got %d", len(a))
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("call_")
	if !strings.HasPrefix(id, "call_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if got := len(id) - len("call_"); got != 32 {
		t.Fatalf("expected 32 hex chars, got %d", got)
	}
	if strings.Contains(id, "-") {
		t.Fatalf("unexpected dash in %q", id)
	}
}
