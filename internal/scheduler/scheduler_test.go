package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsync/internal/domain"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[domain.JobKind]int
	fn    func(ctx context.Context, kind domain.JobKind) error
}

func (f *fakeRunner) RunForAllTenants(ctx context.Context, kind domain.JobKind, args domain.JobArgs) (domain.JobSummary, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[domain.JobKind]int{}
	}
	f.calls[kind]++
	f.mu.Unlock()
	if f.fn != nil {
		return domain.JobSummary{Kind: kind}, f.fn(ctx, kind)
	}
	return domain.JobSummary{Kind: kind}, nil
}

func (f *fakeRunner) count(kind domain.JobKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSlowKindDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRunner{fn: func(ctx context.Context, kind domain.JobKind) error {
		if kind == domain.JobOrderSync {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return nil
	}}
	s := &Scheduler{
		Runner: r,
		Schedules: []Schedule{
			{Kind: domain.JobOrderSync, Enabled: true, Interval: 5 * time.Millisecond},
			{Kind: domain.JobWebhookRetry, Enabled: true, Interval: 5 * time.Millisecond},
			{Kind: domain.JobDataCleanup, Enabled: false, Interval: 5 * time.Millisecond},
		},
		Grace:  time.Second,
		Logger: quiet(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count(domain.JobWebhookRetry) >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.count(domain.JobOrderSync), "the slow kind is still in its first tick")
	assert.Zero(t, r.count(domain.JobDataCleanup))

	cancel()
	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestGraceCutsOffInFlightWork(t *testing.T) {
	cut := make(chan struct{})
	r := &fakeRunner{fn: func(ctx context.Context, kind domain.JobKind) error {
		<-ctx.Done()
		close(cut)
		return ctx.Err()
	}}
	s := &Scheduler{
		Runner:    r,
		Schedules: []Schedule{{Kind: domain.JobShipmentTracking, Enabled: true, Interval: time.Hour, RunOnStart: true}},
		Grace:     20 * time.Millisecond,
		Logger:    quiet(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count(domain.JobShipmentTracking) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-cut:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight work was not cancelled after grace")
	}
	<-done
}

func TestInvalidArgsStopOnlyThatKind(t *testing.T) {
	r := &fakeRunner{fn: func(ctx context.Context, kind domain.JobKind) error {
		if kind == domain.JobShipmentTracking {
			return domain.ErrInvalidJobArgs
		}
		return nil
	}}
	s := &Scheduler{
		Runner: r,
		Schedules: []Schedule{
			{Kind: domain.JobShipmentTracking, Enabled: true, Interval: 2 * time.Millisecond},
			{Kind: domain.JobNdrFollowUp, Enabled: true, Interval: 2 * time.Millisecond},
			{Kind: domain.JobDataCleanup, Enabled: true, DailyAt: "25:99"},
		},
		Logger: quiet(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count(domain.JobNdrFollowUp) >= 10 }, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, r.count(domain.JobShipmentTracking))
	assert.Zero(t, r.count(domain.JobDataCleanup))
}

func TestNextDaily(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), NextDaily(now, 3, 0))
	assert.Equal(t, time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC), NextDaily(now, 2, 30))
	assert.Equal(t, time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC), NextDaily(now, 1, 0))

	ist := time.FixedZone("IST", 5*3600+1800)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), NextDaily(now.In(ist), 3, 0))
}

func TestParseDailyAt(t *testing.T) {
	h, m, err := ParseDailyAt("03:15")
	require.NoError(t, err)
	assert.Equal(t, 3, h)
	assert.Equal(t, 15, m)

	for _, bad := range []string{"", "3", "24:00", "10:60", "ab:cd"} {
		_, _, err := ParseDailyAt(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidJobArgs, bad)
	}
}
