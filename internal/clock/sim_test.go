package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSimAfterFiresInOrder(t *testing.T) {
	s := NewSim(t0)

	var fired []string
	s.After(3*time.Second, func(time.Time) { fired = append(fired, "c") })
	s.After(1*time.Second, func(time.Time) { fired = append(fired, "a") })
	s.After(2*time.Second, func(time.Time) { fired = append(fired, "b") })

	s.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, t0.Add(5*time.Second), s.Now())
}

func TestSimEqualFireTimesRunInRegistrationOrder(t *testing.T) {
	s := NewSim(t0)

	var fired []int
	for i := 0; i < 5; i++ {
		i := i
		s.After(time.Second, func(time.Time) { fired = append(fired, i) })
	}
	s.Advance(time.Second)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, fired)
}

func TestSimCallbackSeesFireTimeAsNow(t *testing.T) {
	s := NewSim(t0)

	var sawNow, sawArg time.Time
	s.After(90*time.Second, func(now time.Time) {
		sawArg = now
		sawNow = s.Now()
	})
	s.Advance(10 * time.Minute)

	want := t0.Add(90 * time.Second)
	assert.Equal(t, want, sawArg)
	assert.Equal(t, want, sawNow)
}

func TestSimEveryReArms(t *testing.T) {
	s := NewSim(t0)

	var at []time.Time
	task := s.Every(time.Second, func(now time.Time) { at = append(at, now) })

	s.Advance(3500 * time.Millisecond)
	require.Len(t, at, 3)
	assert.Equal(t, t0.Add(1*time.Second), at[0])
	assert.Equal(t, t0.Add(3*time.Second), at[2])

	s.Cancel(task)
	s.Advance(5 * time.Second)
	assert.Len(t, at, 3, "cancelled periodic task must not fire again")
}

func TestSimCancelBeforeFire(t *testing.T) {
	s := NewSim(t0)

	fired := false
	task := s.After(time.Second, func(time.Time) { fired = true })
	s.Cancel(task)
	s.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestSimCallbackMaySchedule(t *testing.T) {
	s := NewSim(t0)

	var fired []string
	s.After(time.Second, func(time.Time) {
		fired = append(fired, "outer")
		s.After(time.Second, func(time.Time) { fired = append(fired, "inner") })
	})

	// Inner falls due inside the same advance and must run during it.
	s.Advance(3 * time.Second)
	assert.Equal(t, []string{"outer", "inner"}, fired)
}

func TestSimStopDropsPending(t *testing.T) {
	s := NewSim(t0)

	fired := false
	s.After(time.Second, func(time.Time) { fired = true })
	s.Stop()
	s.Advance(time.Minute)
	assert.False(t, fired)
}

func TestWallSchedulerFiresAndStops(t *testing.T) {
	s := NewWall()
	defer s.Stop()

	done := make(chan time.Time, 1)
	s.After(10*time.Millisecond, func(now time.Time) { done <- now })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestWallCancelIsNoOp(t *testing.T) {
	s := NewWall()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	task := s.After(50*time.Millisecond, func(time.Time) { fired <- struct{}{} })
	s.Cancel(task)
	s.Cancel(task) // double cancel is safe

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}
