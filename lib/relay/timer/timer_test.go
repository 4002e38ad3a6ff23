package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService() (*Service, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	svc := NewService()
	svc.now = clk.Now
	return svc, clk
}

func TestService_OneShotFiresOnce(t *testing.T) {
	svc, clk := newTestService()

	fired := 0
	svc.Schedule("k", time.Second, 0, func() { fired++ })

	assert.Equal(t, 0, svc.FireDue(), "nothing due yet")

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, svc.FireDue())
	assert.Equal(t, 1, fired)

	clk.Advance(time.Hour)
	assert.Equal(t, 0, svc.FireDue(), "one-shot must not re-fire")
	assert.Equal(t, 0, svc.Pending())
}

func TestService_RecurringReArms(t *testing.T) {
	svc, clk := newTestService()

	fired := 0
	svc.Schedule("hb", time.Second, time.Second, func() { fired++ })

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		svc.FireDue()
	}
	assert.Equal(t, 3, fired)
	assert.Equal(t, 1, svc.Pending())
}

func TestService_Cancel(t *testing.T) {
	svc, clk := newTestService()

	svc.Schedule("gone", time.Second, 0, func() { t.Fatal("canceled timer fired") })
	svc.Cancel("gone")

	clk.Advance(time.Minute)
	assert.Equal(t, 0, svc.FireDue())
	assert.Equal(t, 0, svc.Pending())
}

func TestService_CancelInsideCallbackStopsRecurrence(t *testing.T) {
	svc, clk := newTestService()

	fired := 0
	svc.Schedule("self", time.Second, time.Second, func() {
		fired++
		svc.Cancel("self")
	})

	clk.Advance(time.Second)
	svc.FireDue()
	clk.Advance(time.Second)
	svc.FireDue()
	assert.Equal(t, 1, fired)
}

func TestService_ScheduleReplacesKey(t *testing.T) {
	svc, clk := newTestService()

	var got string
	svc.Schedule("k", time.Second, 0, func() { got = "first" })
	svc.Schedule("k", 2*time.Second, 0, func() { got = "second" })

	clk.Advance(time.Second)
	svc.FireDue()
	assert.Empty(t, got, "replaced timer must not fire at old deadline")

	clk.Advance(time.Second)
	svc.FireDue()
	assert.Equal(t, "second", got)
}

func TestService_NextDueIn(t *testing.T) {
	svc, clk := newTestService()

	_, ok := svc.NextDueIn()
	assert.False(t, ok)

	svc.Schedule("a", 5*time.Second, 0, func() {})
	svc.Schedule("b", 2*time.Second, 0, func() {})

	d, ok := svc.NextDueIn()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	clk.Advance(3 * time.Second)
	d, ok = svc.NextDueIn()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d, "overdue timers clamp to zero")
}

func TestService_OrderedFiring(t *testing.T) {
	svc, clk := newTestService()

	var order []string
	svc.Schedule("late", 3*time.Second, 0, func() { order = append(order, "late") })
	svc.Schedule("early", time.Second, 0, func() { order = append(order, "early") })

	clk.Advance(5 * time.Second)
	assert.Equal(t, 2, svc.FireDue())
	assert.Equal(t, []string{"early", "late"}, order)
}
