package clock

import (
	"testing"

	"github.com/agentkit/kernel/pkg/message"
)

type fakeMsg struct {
	message.Base
}

func (m *fakeMsg) Copy() message.Message {
	cp := *m
	cp.Base = m.Base.CopyBase()
	return &cp
}

func newFakeMsg(topic string) *fakeMsg {
	return &fakeMsg{Base: message.Base{TopicName: topic}}
}

func TestSimClock_StartsAtZero(t *testing.T) {
	c := NewSimulated()
	if c.Time() != 0 {
		t.Fatalf("new sim clock: got %v, want 0", c.Time())
	}
}

func TestSimClock_JumpsToNextAlarmWhenIdle(t *testing.T) {
	c := NewSimulated()
	if err := c.SetAlarm("bob", 3, newFakeMsg("ping"), false); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	c.Tick(false, nil)
	if c.Time() != 3 {
		t.Fatalf("after idle tick: got %v, want 3", c.Time())
	}
}

func TestSimClock_DoesNotAdvanceWhileBusy(t *testing.T) {
	c := NewSimulated()
	if err := c.SetAlarm("bob", 3, newFakeMsg("ping"), false); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	c.Tick(true, nil)
	if c.Time() != 0 {
		t.Fatalf("busy tick should not advance: got %v, want 0", c.Time())
	}
}

func TestSimClock_CappedByLimit(t *testing.T) {
	c := NewSimulated()
	if err := c.SetAlarm("bob", 10, newFakeMsg("ping"), false); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	limit := 5.0
	c.Tick(false, &limit)
	if c.Time() != 5 {
		t.Fatalf("capped tick: got %v, want 5", c.Time())
	}
}

func TestSetAlarm_RejectsNilMessage(t *testing.T) {
	c := NewSimulated()
	if err := c.SetAlarm("bob", 1, nil, false); err == nil {
		t.Fatal("expected error for nil message")
	}
}

func TestSetAlarm_RejectsNonFiniteDelay(t *testing.T) {
	c := NewSimulated()
	if err := c.SetAlarm("bob", posInf(), newFakeMsg("ping"), false); err == nil {
		t.Fatal("expected error for infinite delay")
	}
}

func posInf() float64 {
	var zero float64
	return 1 / zero
}

func TestReleaseAlarmMessages_FiresAtOrBeforeNow(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("bob", 1, newFakeMsg("ping"), false)
	_ = c.SetAlarm("bob", 2, newFakeMsg("pong"), false)
	c.Tick(false, nil) // jumps to 1
	fired := c.ReleaseAlarmMessages()
	if len(fired) != 1 || fired[0].Topic() != "ping" {
		t.Fatalf("got %d messages, want 1 ping", len(fired))
	}
	if c.ListAlarms("bob")[0].Topic() != "pong" {
		t.Fatal("pong alarm should still be pending")
	}
}

func TestReleaseAlarmMessages_PreservesInsertionOrderWithinBucket(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("bob", 1, newFakeMsg("first"), false)
	_ = c.SetAlarm("bob", 1, newFakeMsg("second"), false)
	c.Tick(false, nil)
	fired := c.ReleaseAlarmMessages()
	if len(fired) != 2 || fired[0].Topic() != "first" || fired[1].Topic() != "second" {
		t.Fatalf("got %v, want [first second] in order", fired)
	}
}

func TestClearAlarms_ByTopic(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("x", 1, newFakeMsg("1"), false)
	_ = c.SetAlarm("x", 1, newFakeMsg("2"), false)
	_ = c.SetAlarm("x", 3, newFakeMsg("3"), false)

	c.ClearAlarms("x", "2")

	times, ok := c.Frontier()
	if !ok || times != 1 {
		t.Fatalf("earliest wakeup after clearing topic 2: got %v,%v want 1,true", times, ok)
	}
	remaining := c.ListAlarms("x")
	if len(remaining) != 2 {
		t.Fatalf("got %d remaining alarms, want 2", len(remaining))
	}
}

func TestClearAlarms_EmptyReceiverClearsEverything(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("x", 1, newFakeMsg("1"), false)
	_ = c.SetAlarm("y", 2, newFakeMsg("2"), false)
	c.ClearAlarms("", "")
	if _, ok := c.Frontier(); ok {
		t.Fatal("expected no pending alarms after clearing everything")
	}
}

func TestLastRequiredAlarm_IgnoresIdleAlarms(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("x", 5, newFakeMsg("idle"), true)
	if c.LastRequiredAlarm() != 0 {
		t.Fatalf("ignoreIfIdle alarm should not raise the watermark: got %v", c.LastRequiredAlarm())
	}
	_ = c.SetAlarm("x", 7, newFakeMsg("required"), false)
	if c.LastRequiredAlarm() != 7 {
		t.Fatalf("required alarm should raise the watermark: got %v, want 7", c.LastRequiredAlarm())
	}
}

func TestFrontierStatus_BlockedByPendingAlarm(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("x", 1, newFakeMsg("ping"), false)
	status := c.FrontierStatus(1)
	if status.SafeToAdvance {
		t.Fatal("should be blocked by the alarm at exactly 1")
	}
}

// TestClearAlarms_ReceiverScopedClearLowersRequiredWatermark is the
// round-trip law from the kernel's testable properties: set_alarm then
// clear_alarms(receiver=self) must leave the alarm structures fully
// empty, including the required-alarm watermark and frontier — not
// just the registry contents. A stale watermark here would make a
// SimClock spin forever trying to reach a wakeup time nothing is
// actually waiting on.
func TestClearAlarms_ReceiverScopedClearLowersRequiredWatermark(t *testing.T) {
	c := NewSimulated()
	if err := c.SetAlarm("bob", 5, newFakeMsg("required"), false); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	if got := c.LastRequiredAlarm(); got != 5 {
		t.Fatalf("got watermark %v, want 5", got)
	}

	c.ClearAlarms("bob", "")

	if got := c.LastRequiredAlarm(); got != c.Time() {
		t.Fatalf("watermark should fall back to now (%v) after clearing the only required alarm, got %v", c.Time(), got)
	}
	if _, ok := c.Frontier(); ok {
		t.Fatal("expected no pending alarms after clearing the only receiver")
	}
	status := c.FrontierStatus(c.Time())
	if !status.SafeToAdvance || len(status.Frontier) != 0 {
		t.Fatalf("expected no required alarm pending after clear, got %+v", status)
	}
}

// TestClearAlarms_TopicScopedClearLowersRequiredWatermark covers the
// same regression at topic granularity: clearing just the topic that
// established the watermark must lower it to whatever required alarm
// (if any) remains, not leave the old, now-orphaned value behind.
func TestClearAlarms_TopicScopedClearLowersRequiredWatermark(t *testing.T) {
	c := NewSimulated()
	_ = c.SetAlarm("bob", 2, newFakeMsg("early"), false)
	_ = c.SetAlarm("bob", 9, newFakeMsg("late"), false)
	if got := c.LastRequiredAlarm(); got != 9 {
		t.Fatalf("got watermark %v, want 9", got)
	}

	c.ClearAlarms("bob", "late")

	if got := c.LastRequiredAlarm(); got != 2 {
		t.Fatalf("watermark should fall back to the remaining required alarm at 2, got %v", got)
	}
}

func TestRealClock_TicksForward(t *testing.T) {
	c := NewReal(60)
	c.Tick(false, nil)
	first := c.Time()
	c.Tick(false, nil)
	second := c.Time()
	if second < first {
		t.Fatalf("real clock should never move backward: %v then %v", first, second)
	}
}

func TestRealClock_IdleWaitDelayGrowsWithAttempts(t *testing.T) {
	c := NewReal(60)
	d0 := c.IdleWaitDelay(0)
	d5 := c.IdleWaitDelay(5)
	if d5 < d0 {
		t.Fatalf("backoff should not shrink: attempt 0 = %v, attempt 5 = %v", d0, d5)
	}
}

func TestSimClock_IdleWaitDelayAlwaysZero(t *testing.T) {
	c := NewSimulated()
	if d := c.IdleWaitDelay(3); d != 0 {
		t.Fatalf("sim clock should never wait: got %v", d)
	}
}

var (
	_ Clock = (*RealClock)(nil)
	_ Clock = (*SimClock)(nil)
)
