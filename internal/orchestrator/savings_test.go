package orchestrator

import (
	"math"
	"testing"

	"conductor/internal/domain"
)

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

// Expected costs for the test catalog with the default assumptions
// (1500 in / 500 out, 40/45/15 mix, 30% cache hits at a 10% read rate):
//
//	fast-1 cached:   1500/1M*0.80*0.73 + 500/1M*4.00  = 0.002876
//	bal-1 cached:    1500/1M*3.00*0.73 + 500/1M*15.00 = 0.010785
//	pow-1 uncached:  1500/1M*10.00     + 500/1M*40.00 = 0.035
func TestEstimateSavings(t *testing.T) {
	svc := newTestService(t, directConfig(), &fakeGateway{}, nil, nil)

	est := svc.EstimateSavings(10000)

	wantBaseline := 10000 * 0.035
	wantOptimized := 10000 * (0.40*0.002876 + 0.45*0.010785 + 0.15*0.035)
	approx(t, "baseline", est.BaselineUSD, wantBaseline)
	approx(t, "optimized", est.OptimizedUSD, wantOptimized)
	approx(t, "absolute", est.AbsoluteUSD, wantBaseline-wantOptimized)
	approx(t, "percent", est.Percent, (wantBaseline-wantOptimized)/wantBaseline*100)
}

func TestEstimateSavingsWithoutCaching(t *testing.T) {
	cfg := directConfig()
	cfg.Caching.Enabled = false
	svc := newTestService(t, cfg, &fakeGateway{}, nil, nil)

	est := svc.EstimateSavings(10000)

	// Full input rates: fast 0.0032, balanced 0.012, powerful 0.035.
	wantOptimized := 10000 * (0.40*0.0032 + 0.45*0.012 + 0.15*0.035)
	approx(t, "baseline", est.BaselineUSD, 350.0)
	approx(t, "optimized", est.OptimizedUSD, wantOptimized)
}

func TestEstimateSavingsZeroQueries(t *testing.T) {
	svc := newTestService(t, directConfig(), &fakeGateway{}, nil, nil)

	if est := svc.EstimateSavings(0); est != (domain.SavingsEstimate{}) {
		t.Errorf("Expected a zero estimate, got %+v", est)
	}
}
