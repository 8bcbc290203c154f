package detection

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(cfg CacheConfig) (*Cache, *fakeClock) {
	clock := newFakeClock()
	c := NewCache(cfg)
	c.now = clock.Now
	return c, clock
}

func request(target, device, sig string) core.DetectionRequest {
	return core.DetectionRequest{TargetClass: target, DeviceID: device, FrameSignature: sig}
}

func found(class string, x, y int) core.DetectionResult {
	return core.DetectionResult{
		Found:      true,
		ClassName:  class,
		Confidence: 0.9,
		BBox:       &core.BBox{X1: x - 10, Y1: y - 10, X2: x + 10, Y2: y + 10},
		Center:     &core.Point{X: x, Y: y},
	}
}

func TestCache_HitWithinDuration(t *testing.T) {
	c, clock := newTestCache(CacheConfig{Duration: 2 * time.Second})
	req := request("button-ok", "emulator-5554", "a1b2c3d4e5f60708")
	want := found("button-ok", 540, 1200)

	if _, ok := c.Lookup(req); ok {
		t.Fatal("Lookup() on empty cache = hit")
	}

	c.Store(req, want)
	clock.Advance(1999 * time.Millisecond)

	got, ok := c.Lookup(req)
	if !ok {
		t.Fatal("Lookup() within duration = miss, want hit")
	}
	if got.ClassName != want.ClassName || got.Center != want.Center {
		t.Errorf("Lookup() = %+v, want %+v", got, want)
	}
}

func TestCache_MissAfterDuration(t *testing.T) {
	c, clock := newTestCache(CacheConfig{Duration: 2 * time.Second})
	req := request("button-ok", "emulator-5554", "sig")

	c.Store(req, found("button-ok", 1, 1))
	clock.Advance(2*time.Second + time.Millisecond)

	if _, ok := c.Lookup(req); ok {
		t.Error("Lookup() after duration = hit, want miss")
	}
	if size := c.Stats().Size; size != 0 {
		t.Errorf("Size after expiry lookup = %d, want 0 (purged)", size)
	}
}

func TestCache_KeyComponents(t *testing.T) {
	c, _ := newTestCache(CacheConfig{})
	c.Store(request("a", "dev1", "sig"), found("a", 1, 1))

	misses := []core.DetectionRequest{
		request("b", "dev1", "sig"),
		request("a", "dev2", "sig"),
		request("a", "dev1", "other"),
	}
	for _, req := range misses {
		if _, ok := c.Lookup(req); ok {
			t.Errorf("Lookup(%+v) = hit, want miss", req)
		}
	}
}

func TestKey_NoConcatenationCollision(t *testing.T) {
	a := Key(request("ab", "c", "sig"))
	b := Key(request("a", "bc", "sig"))
	if a == b {
		t.Error("keys collide for shifted field boundaries")
	}
	if len(a) != 64 {
		t.Errorf("len(Key) = %d, want 64", len(a))
	}
}

func TestCache_StoreOverwrites(t *testing.T) {
	c, clock := newTestCache(CacheConfig{Duration: 2 * time.Second})
	req := request("a", "dev", "sig")

	c.Store(req, found("a", 1, 1))
	clock.Advance(1500 * time.Millisecond)
	c.Store(req, found("a", 2, 2))
	clock.Advance(1500 * time.Millisecond)

	got, ok := c.Lookup(req)
	if !ok {
		t.Fatal("overwritten entry should be fresh")
	}
	if got.Center.X != 2 {
		t.Errorf("Center.X = %d, want 2 (latest store)", got.Center.X)
	}
	if size := c.Stats().Size; size != 1 {
		t.Errorf("Size = %d, want 1", size)
	}
}

func TestCache_EvictsOldestHalf(t *testing.T) {
	c, clock := newTestCache(CacheConfig{Duration: time.Hour, MaxSize: 10})

	for i := 0; i < 11; i++ {
		c.Store(request(fmt.Sprintf("class-%d", i), "dev", "sig"), found("x", i, i))
		clock.Advance(time.Millisecond)
	}

	if size := c.Stats().Size; size > 10 {
		t.Fatalf("Size = %d, exceeds MaxSize 10", size)
	}
	// 11 entries -> oldest 5 evicted.
	for i := 0; i < 5; i++ {
		if _, ok := c.Lookup(request(fmt.Sprintf("class-%d", i), "dev", "sig")); ok {
			t.Errorf("class-%d should have been evicted", i)
		}
	}
	for i := 5; i < 11; i++ {
		if _, ok := c.Lookup(request(fmt.Sprintf("class-%d", i), "dev", "sig")); !ok {
			t.Errorf("class-%d should have been kept", i)
		}
	}
}

func TestCache_EvictionTieKeepsNewest(t *testing.T) {
	c, _ := newTestCache(CacheConfig{Duration: time.Hour, MaxSize: 4})

	// Same timestamp for every entry.
	for i := 0; i < 5; i++ {
		c.Store(request(fmt.Sprintf("c%d", i), "dev", "sig"), found("x", i, i))
	}
	if _, ok := c.Lookup(request("c4", "dev", "sig")); !ok {
		t.Error("most recent entry evicted on timestamp tie")
	}
}

func TestCache_Stats(t *testing.T) {
	c, _ := newTestCache(CacheConfig{})
	req := request("a", "dev", "sig")

	if s := c.Stats(); s.HitRate != 0 || s.TotalCalls != 0 {
		t.Errorf("fresh Stats() = %+v, want zeros", s)
	}

	c.Lookup(req) // miss
	c.Store(req, found("a", 1, 1))
	c.Lookup(req) // hit
	c.Lookup(req) // hit
	c.Lookup(request("b", "dev", "sig"))

	s := c.Stats()
	if s.TotalCalls != 4 || s.Hits != 2 {
		t.Errorf("Stats() = %+v, want 4 calls / 2 hits", s)
	}
	if s.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", s.HitRate)
	}

	c.Clear()
	if s := c.Stats(); s.TotalCalls != 0 || s.Size != 0 {
		t.Errorf("Stats() after Clear = %+v", s)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache(CacheConfig{Duration: time.Second, MaxSize: 50})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				req := request(fmt.Sprintf("class-%d", i%20), fmt.Sprintf("dev-%d", w), "sig")
				if _, ok := c.Lookup(req); !ok {
					c.Store(req, found("x", i, i))
				}
			}
		}(w)
	}
	wg.Wait()

	s := c.Stats()
	if s.TotalCalls != 8*200 {
		t.Errorf("TotalCalls = %d, want %d", s.TotalCalls, 8*200)
	}
	if s.Size > 50 {
		t.Errorf("Size = %d, exceeds MaxSize", s.Size)
	}
}
