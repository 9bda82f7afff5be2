package healthcheck

import (
	"context"
	"testing"
	"time"
)

type testChecker struct {
	items []CheckResult
}

func (c *testChecker) ListChecks(ctx context.Context) []CheckResult {
	return c.items
}

func TestAggregateRun(t *testing.T) {
	t.Parallel()

	agg := NewAggregate(time.Second,
		&testChecker{items: []CheckResult{{ID: "store.ping", Status: StatusOK}}},
		nil,
		&testChecker{items: []CheckResult{{ID: "provider.connection", Status: StatusWarn}}},
	)
	report := agg.Run(context.Background())
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if report.Checks[0].ID != "store.ping" {
		t.Fatalf("unexpected order: %s", report.Checks[0].ID)
	}
	if report.Status != StatusWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}
}

func TestOverall(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		items []CheckResult
		want  string
	}{
		{name: "empty", want: StatusUnknown},
		{name: "ok", items: []CheckResult{{Status: StatusOK}}, want: StatusOK},
		{name: "error wins", items: []CheckResult{{Status: StatusWarn}, {Status: StatusError}}, want: StatusError},
		{name: "unknown degrades", items: []CheckResult{{Status: StatusOK}, {Status: StatusUnknown}}, want: StatusWarn},
	}
	for _, tc := range cases {
		if got := Overall(tc.items); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestAggregateNil(t *testing.T) {
	t.Parallel()

	var agg *Aggregate
	if got := agg.Run(context.Background()); got.Status != StatusUnknown {
		t.Fatalf("expected unknown, got %s", got.Status)
	}
}
