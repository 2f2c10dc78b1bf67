package cpulimit

import "testing"

func TestCountIsPositive(t *testing.T) {
	n := Count()
	if n <= 0 {
		t.Fatalf("Count() = %d, want > 0", n)
	}
}

func TestCountIsStable(t *testing.T) {
	if Count() != Count() {
		t.Fatal("Count() returned different values across calls")
	}
}
