package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tourcal/internal/metrics"
	"tourcal/internal/model"
)

func TestNewPoller_InvalidSchedule(t *testing.T) {
	_, err := NewPoller("every thirty seconds", func(context.Context) error { return nil }, nil)
	assert.Error(t, err)
}

func TestNewPoller_DefaultSchedule(t *testing.T) {
	p, err := NewPoller("", func(context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, p.schedule)
}

func TestPoller_OverlappingPollIsSkipped(t *testing.T) {
	m := metrics.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	p, err := NewPoller(DefaultPollInterval, func(ctx context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	}, m)
	require.NoError(t, err)

	first := make(chan bool, 1)
	go func() {
		skipped, _ := p.Poll(context.Background())
		first <- skipped
	}()
	<-entered

	skipped, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, skipped)

	close(release)
	assert.False(t, <-first)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollSkipped))
}

func TestPoller_PollReturnsRefreshError(t *testing.T) {
	boom := errors.New("boom")
	p, err := NewPoller(DefaultPollInterval, func(context.Context) error { return boom }, nil)
	require.NoError(t, err)

	skipped, err := p.Poll(context.Background())

	assert.False(t, skipped)
	assert.ErrorIs(t, err, boom)

	// guard is released after a failed poll
	skipped, _ = p.Poll(context.Background())
	assert.False(t, skipped)
}

func TestPoller_TicksRefreshTours(t *testing.T) {
	s := New(&fakeFetcher{tours: []model.Tour{{ID: 5}}}, nil)
	p, err := NewTourPoller(s, "@every 1s", nil)
	require.NoError(t, err)

	sub := s.Subscribe()
	defer sub.Close()

	p.Start(context.Background())
	defer p.Stop()

	select {
	case ch := <-sub.C():
		assert.Equal(t, Tours, ch.Collection)
	case <-time.After(3 * time.Second):
		t.Fatal("poller never refreshed tours")
	}

	tours, err := s.Tours.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, tours, 1)
	assert.Equal(t, int64(5), tours[0].ID)
}

func TestPoller_StopIsIdempotent(t *testing.T) {
	p, err := NewPoller(DefaultPollInterval, func(context.Context) error { return nil }, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		p.Stop()
		p.Start(context.Background())
		p.Stop()
		p.Stop()
	})
}
