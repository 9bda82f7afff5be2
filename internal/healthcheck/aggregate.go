package healthcheck

import (
	"context"
	"sync"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Report is the combined result of every registered checker.
type Report struct {
	Status string        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Aggregate runs checkers concurrently under a shared timeout.
type Aggregate struct {
	checkers []Checker
	timeout  time.Duration
}

// NewAggregate creates an aggregate over checkers. Nil checkers are skipped.
func NewAggregate(timeout time.Duration, checkers ...Checker) *Aggregate {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	list := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			list = append(list, c)
		}
	}
	return &Aggregate{checkers: list, timeout: timeout}
}

// Run evaluates all checkers. Results keep registration order.
func (a *Aggregate) Run(ctx context.Context) Report {
	if a == nil || len(a.checkers) == 0 {
		return Report{Status: StatusUnknown, Checks: []CheckResult{}}
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	results := make([][]CheckResult, len(a.checkers))
	var wg sync.WaitGroup
	for i, c := range a.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.ListChecks(ctx)
		}()
	}
	wg.Wait()

	checks := make([]CheckResult, 0, len(a.checkers))
	for _, items := range results {
		checks = append(checks, items...)
	}
	return Report{Status: Overall(checks), Checks: checks}
}

// Overall folds item statuses: any error wins, then warn, then ok.
func Overall(items []CheckResult) string {
	if len(items) == 0 {
		return StatusUnknown
	}
	status := StatusOK
	for _, item := range items {
		switch item.Status {
		case StatusError:
			return StatusError
		case StatusWarn, StatusUnknown:
			status = StatusWarn
		}
	}
	return status
}
