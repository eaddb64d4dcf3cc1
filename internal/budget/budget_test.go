package budget

import (
	"testing"
	"time"
)

func TestRemaining(t *testing.T) {
	start := time.Now()
	if r := Remaining(start, 7000); r <= 6*time.Second || r > 7*time.Second {
		t.Errorf("fresh budget should be close to 7s, got %v", r)
	}

	old := time.Now().Add(-10 * time.Second)
	if r := Remaining(old, 7000); r != 0 {
		t.Errorf("expired budget must be zero, got %v", r)
	}
}

func TestTimeoutSecondsFloor(t *testing.T) {
	old := time.Now().Add(-time.Minute)
	if s := TimeoutSeconds(old, 7000); s != 0.1 {
		t.Errorf("expected 0.1s floor, got %v", s)
	}
}

func TestAdapterTimeoutNeverExceedsBudget(t *testing.T) {
	start := time.Now().Add(-5 * time.Second) // 2s left of 7s
	vendorTimeout := 6 * time.Second

	d := AdapterTimeout(start, 7000, vendorTimeout)
	if d > Remaining(start, 7000) {
		t.Errorf("adapter timeout %v exceeds remaining budget %v", d, Remaining(start, 7000))
	}
	if d > vendorTimeout {
		t.Errorf("adapter timeout %v exceeds vendor timeout %v", d, vendorTimeout)
	}
}

func TestAdapterTimeoutFloor(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	if d := AdapterTimeout(start, 7000, 6*time.Second); d != MinTimeout {
		t.Errorf("expected floor %v, got %v", MinTimeout, d)
	}
}
