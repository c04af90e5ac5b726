package limiter

import "testing"

func TestAllowPerKey(t *testing.T) {
	l := New(2)

	r1, ok1 := l.Allow("compress")
	r2, ok2 := l.Allow("COMPRESS")
	if !ok1 || !ok2 {
		t.Fatal("Expected two slots for compress")
	}
	if _, ok := l.Allow("compress"); ok {
		t.Error("Expected third compress request to be refused")
	}
	if _, ok := l.Allow("merge"); !ok {
		t.Error("Expected merge to have its own slots")
	}
	if n := l.InUse("compress"); n != 2 {
		t.Errorf("Expected 2 in use, got %d", n)
	}

	r1()
	if _, ok := l.Allow("compress"); !ok {
		t.Error("Expected a slot after release")
	}
	r2()
}

func TestNewDefault(t *testing.T) {
	l := New(0)
	if l.max != 2 {
		t.Errorf("Expected default of 2, got %d", l.max)
	}
}
