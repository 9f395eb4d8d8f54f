package authcore

import (
	"sync"
	"testing"
	"time"
)

// testSigningKey is 64 bytes, the minimum the codec accepts.
var testSigningKey = []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

// manualClock is an adjustable Clock for deterministic lifetime tests.
type manualClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{current: start}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(delta)
}

func testStart() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func newTestCodec(t *testing.T, clock Clock) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec(testSigningKey, "sentinel", "sentinel-api", clock)
	if err != nil {
		t.Fatalf("failed to build codec: %v", err)
	}
	return codec
}
