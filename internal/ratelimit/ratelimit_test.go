package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLimiter(connLimit, msgLimit int, windowMS int64) *Limiter {
	return New(
		Policy{Limit: connLimit, WindowMS: windowMS},
		Policy{Limit: msgLimit, WindowMS: windowMS},
		zerolog.Nop(),
	)
}

func TestAdmitConnection_WithinLimit(t *testing.T) {
	l := newTestLimiter(2, 100, 60_000)
	defer l.Close()

	if !l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected first connection to be admitted")
	}
	if !l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected second connection to be admitted")
	}
	if l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected third connection to be rejected")
	}
}

func TestAdmitConnection_SeparateKeysDoNotShareWindow(t *testing.T) {
	l := newTestLimiter(1, 100, 60_000)
	defer l.Close()

	if !l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected key 1 to be admitted")
	}
	if !l.AdmitConnection("10.0.0.2") {
		t.Fatal("expected a different key to have its own window")
	}
}

func TestAdmitConnection_WindowResetsAfterExpiry(t *testing.T) {
	l := newTestLimiter(1, 100, 20)
	defer l.Close()

	if !l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected first connection to be admitted")
	}
	if l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected second connection in the same window to be rejected")
	}
	time.Sleep(40 * time.Millisecond)
	if !l.AdmitConnection("10.0.0.1") {
		t.Fatal("expected admission after the window expired")
	}
}

func TestAdmitMessage_IndependentFromConnectionWindow(t *testing.T) {
	l := newTestLimiter(1, 1, 60_000)
	defer l.Close()

	if !l.AdmitConnection("conn-1") {
		t.Fatal("expected connection admission")
	}
	if !l.AdmitMessage("conn-1") {
		t.Fatal("expected message admission to use its own window")
	}
	if l.AdmitMessage("conn-1") {
		t.Fatal("expected second message to be rejected")
	}
}

func TestDenyList_RejectsBeforeCounting(t *testing.T) {
	l := newTestLimiter(100, 100, 60_000)
	defer l.Close()

	l.Deny("bad-actor")
	if l.AdmitConnection("bad-actor") {
		t.Fatal("expected deny-listed key to be rejected")
	}

	l.RemoveDeny("bad-actor")
	if !l.AdmitConnection("bad-actor") {
		t.Fatal("expected key admitted after RemoveDeny")
	}
}

func TestAllowList_BypassesCounting(t *testing.T) {
	l := newTestLimiter(1, 100, 60_000)
	defer l.Close()

	l.Allow("trusted")
	for i := 0; i < 10; i++ {
		if !l.AdmitConnection("trusted") {
			t.Fatalf("allow-listed key rejected on iteration %d", i)
		}
	}
}

func TestBurstPolicy_RejectsFastBurstWithinSubWindow(t *testing.T) {
	l := newTestLimiter(100, 100, 60_000)
	defer l.Close()
	l.SetBurstPolicy(BurstPolicy{SubWindowMS: 50, Threshold: 2})

	if !l.AdmitConnection("bursty") {
		t.Fatal("expected first admission")
	}
	if !l.AdmitConnection("bursty") {
		t.Fatal("expected second admission")
	}
	if l.AdmitConnection("bursty") {
		t.Fatal("expected third admission within the burst sub-window to be rejected")
	}
}

func TestAdaptiveScaler_ShrinksLimitUnderLoad(t *testing.T) {
	l := newTestLimiter(10, 100, 60_000)
	defer l.Close()

	loaded := false
	l.SetAdaptiveScaler(AdaptiveScaler{
		LoadSignal: func() float64 {
			if loaded {
				return 1.0
			}
			return 0.0
		},
		Threshold: 0.5,
		ScaleTo:   0.5,
	})

	if !l.AdmitConnection("k") {
		t.Fatal("expected first admission under normal load")
	}
	loaded = true
	if !l.AdmitConnection("k") {
		t.Fatal("expected second admission: scaled limit is 5, still above count 1")
	}

	status := l.StatusConnection("k")
	if status.Limit != 5 {
		t.Errorf("Limit = %d, want 5 once load exceeds threshold", status.Limit)
	}
}

func TestStatusConnection_SafeDefaultForFreshKey(t *testing.T) {
	l := newTestLimiter(5, 100, 60_000)
	defer l.Close()

	status := l.StatusConnection("never-seen")
	if status.Count != 0 || status.Remaining != 5 || status.Limit != 5 {
		t.Errorf("unexpected status for a fresh key: %+v", status)
	}
}

func TestStatusConnection_ReflectsConsumedCount(t *testing.T) {
	l := newTestLimiter(5, 100, 60_000)
	defer l.Close()

	l.AdmitConnection("k")
	l.AdmitConnection("k")

	status := l.StatusConnection("k")
	if status.Count != 2 || status.Remaining != 3 {
		t.Errorf("status = %+v, want Count=2 Remaining=3", status)
	}
}

func TestRelease_ClearsMessageWindow(t *testing.T) {
	l := newTestLimiter(100, 1, 60_000)
	defer l.Close()

	if !l.AdmitMessage("conn-1") {
		t.Fatal("expected first message admission")
	}
	if l.AdmitMessage("conn-1") {
		t.Fatal("expected second message to be rejected before Release")
	}

	l.Release("conn-1")
	if !l.AdmitMessage("conn-1") {
		t.Fatal("expected admission after Release cleared the window")
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	l := newTestLimiter(10, 10, 60_000)
	l.Close()
	l.Close() // must not panic or block
}
