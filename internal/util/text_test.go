package util

import "testing"

func TestNormalizeWhitespace(t *testing.T) {
	if got := NormalizeWhitespace("  a \n\t b  "); got != "a b" {
		t.Fatalf("got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo world", 5); got != "héllo…" {
		t.Fatalf("got %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestContainsAnyCaseInsensitive(t *testing.T) {
	if !ContainsAnyCaseInsensitive("A Thread 🧵", []string{"🧵"}) {
		t.Fatal("expected match")
	}
	if ContainsAnyCaseInsensitive("plain", []string{"x", "y"}) {
		t.Fatal("unexpected match")
	}
}
