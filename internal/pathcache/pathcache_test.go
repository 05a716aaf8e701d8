package pathcache

import "testing"

func TestCacheLookupConsistent(t *testing.T) {
	c := New()
	first := c.Lookup("go")
	second := c.Lookup("go")
	if first != second {
		t.Fatalf("Lookup(\"go\") inconsistent across calls: %v then %v", first, second)
	}
}

func TestCacheLookupMissing(t *testing.T) {
	c := New()
	if c.Lookup("definitely-not-a-real-binary-xyz") {
		t.Fatal("expected lookup of a nonexistent binary to report false")
	}
}
