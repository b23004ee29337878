package remoteexec

import "testing"

func TestBackoffSequence(t *testing.T) {
	b := newBackoff()
	want := []int64{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		got := b.next().Seconds()
		if int64(got) != w {
			t.Errorf("attempt %d: got %vs, want %ds", i, got, w)
		}
	}
	b.reset()
	if got := b.next().Seconds(); int64(got) != 1 {
		t.Errorf("after reset: got %vs, want 1s", got)
	}
}

func TestKeyedMutexPerKey(t *testing.T) {
	km := newKeyedMutex()
	a := km.lockFor("site-a")
	b := km.lockFor("site-b")
	if a == b {
		t.Fatal("expected distinct locks for distinct keys")
	}
	if km.lockFor("site-a") != a {
		t.Fatal("expected the same lock instance for the same key")
	}
}
