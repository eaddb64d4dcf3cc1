package health

import (
	"context"
	"errors"
	"testing"

	"github.com/normanking/relay/pkg/types"
)

type pingAdapter struct {
	vendor types.Vendor
	err    error
	pings  int
}

func (a *pingAdapter) Call(ctx context.Context, req *types.CallRequest) (*types.CallResponse, error) {
	return nil, errors.New("not used")
}

func (a *pingAdapter) Ping(ctx context.Context) error {
	a.pings++
	return a.err
}

func (a *pingAdapter) Vendor() types.Vendor { return a.vendor }

func TestMonitorStartsOptimistic(t *testing.T) {
	m := NewMonitor()
	if !m.Healthy(types.VendorPrimary) || !m.Healthy(types.VendorSecondary) {
		t.Fatal("vendors must start healthy")
	}
}

func TestReportFailureAndRecovery(t *testing.T) {
	m := NewMonitor()

	m.ReportFailure(types.VendorPrimary, errors.New("connection refused"))
	if m.Healthy(types.VendorPrimary) {
		t.Fatal("vendor should be unhealthy after failure")
	}
	if m.Healthy(types.VendorSecondary) == false {
		t.Fatal("other vendor must be unaffected")
	}

	snap := m.Snapshot()
	if snap[types.VendorPrimary].ConsecutiveFails != 1 {
		t.Errorf("expected 1 consecutive fail, got %d", snap[types.VendorPrimary].ConsecutiveFails)
	}

	m.ReportSuccess(types.VendorPrimary)
	if !m.Healthy(types.VendorPrimary) {
		t.Fatal("vendor should recover on success")
	}
	if m.Snapshot()[types.VendorPrimary].ConsecutiveFails != 0 {
		t.Error("success must reset the fail counter")
	}
}

func TestUnknownVendorUnhealthy(t *testing.T) {
	m := NewMonitor()
	if m.Healthy(types.Vendor("nonexistent")) {
		t.Fatal("unknown vendor must read as unhealthy")
	}
}

func TestProbeOnce(t *testing.T) {
	m := NewMonitor()

	bad := &pingAdapter{vendor: types.VendorSecondary, err: errors.New("dial tcp: refused")}
	p := NewProber(bad, m)
	if p.probeOnce(context.Background()) {
		t.Fatal("probe should report failure")
	}
	if m.Healthy(types.VendorSecondary) {
		t.Fatal("failed probe must mark vendor unhealthy")
	}

	bad.err = nil
	if !p.probeOnce(context.Background()) {
		t.Fatal("probe should report success")
	}
	if !m.Healthy(types.VendorSecondary) {
		t.Fatal("successful probe must mark vendor healthy")
	}
}

func TestProbeCancelledContextNotAFailure(t *testing.T) {
	m := NewMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &pingAdapter{vendor: types.VendorPrimary, err: context.Canceled}
	NewProber(a, m).probeOnce(ctx)

	if !m.Healthy(types.VendorPrimary) {
		t.Fatal("shutdown must not mark the vendor unhealthy")
	}
}
