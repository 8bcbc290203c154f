package detection

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicelab-dev/vision-runner/pkg/core"
)

// mockDetector implements core.Detector for testing.
type mockDetector struct {
	calls      atomic.Int64
	detectFunc func(ctx context.Context, frame image.Image, target string, threshold float64) (core.DetectionResult, error)
}

func (m *mockDetector) Detect(ctx context.Context, frame image.Image, target string, threshold float64) (core.DetectionResult, error) {
	m.calls.Add(1)
	if m.detectFunc != nil {
		return m.detectFunc(ctx, frame, target, threshold)
	}
	return core.DetectionResult{Found: true, ClassName: target, Center: &core.Point{X: 10, Y: 20}}, nil
}

func frame(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 320, 640))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// brokenFrame makes the fingerprinter fall back to a unique signature.
type brokenFrame struct{}

func (brokenFrame) ColorModel() color.Model { return color.RGBAModel }
func (brokenFrame) Bounds() image.Rectangle { return image.Rect(0, 0, 10, 10) }
func (brokenFrame) At(x, y int) color.Color { panic("corrupt") }

func TestService_CacheHitSkipsDetector(t *testing.T) {
	det := &mockDetector{}
	svc := NewService(det, NewCache(CacheConfig{Duration: time.Minute}), ServiceConfig{})
	ctx := context.Background()

	first, err := svc.Detect(ctx, frame(color.White), "dev", "button-ok", 0.5)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if first.Cached {
		t.Error("first Detect() reported cached")
	}

	second, err := svc.Detect(ctx, frame(color.White), "dev", "button-ok", 0.5)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !second.Cached {
		t.Error("second Detect() on identical frame should be cached")
	}
	if second.Result.Center == nil || *second.Result.Center != *first.Result.Center {
		t.Errorf("cached result = %+v, want %+v", second.Result, first.Result)
	}
	if got := det.calls.Load(); got != 1 {
		t.Errorf("detector calls = %d, want 1", got)
	}

	// A different frame is a different key.
	if _, err := svc.Detect(ctx, frame(color.Black), "dev", "button-ok", 0.5); err != nil {
		t.Fatal(err)
	}
	if got := det.calls.Load(); got != 2 {
		t.Errorf("detector calls = %d, want 2", got)
	}
}

func TestService_CollapsesConcurrentIdenticalRequests(t *testing.T) {
	release := make(chan struct{})
	det := &mockDetector{
		detectFunc: func(ctx context.Context, _ image.Image, target string, _ float64) (core.DetectionResult, error) {
			<-release
			return core.DetectionResult{Found: true, ClassName: target}, nil
		},
	}
	svc := NewService(det, NewCache(CacheConfig{Duration: time.Minute}), ServiceConfig{})
	img := frame(color.White)

	const n = 10
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.Detect(context.Background(), img, "dev", "navigation-fight", 0.5)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := det.calls.Load(); got != 1 {
		t.Errorf("detector calls = %d, want 1", got)
	}
	for i, r := range results {
		if !r.Result.Found {
			t.Errorf("results[%d].Found = false", i)
		}
	}
}

func TestService_DifferentThresholdsNotCollapsed(t *testing.T) {
	started := make(chan float64, 2)
	release := make(chan struct{})
	det := &mockDetector{
		detectFunc: func(ctx context.Context, _ image.Image, target string, threshold float64) (core.DetectionResult, error) {
			started <- threshold
			<-release
			// The target is on screen at confidence 0.7.
			return core.DetectionResult{Found: threshold <= 0.7, ClassName: target, Confidence: 0.7}, nil
		},
	}
	svc := NewService(det, NewCache(CacheConfig{Duration: time.Minute}), ServiceConfig{})
	img := frame(color.White)

	thresholds := []float64{0.9, 0.5}
	results := make([]Outcome, len(thresholds))
	var wg sync.WaitGroup
	for i, th := range thresholds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = svc.Detect(context.Background(), img, "dev", "button-ok", th)
		}()
	}

	for range thresholds {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Error("a request with a different threshold did not reach the detector")
		}
	}
	close(release)
	wg.Wait()

	if got := det.calls.Load(); got != 2 {
		t.Errorf("detector calls = %d, want 2", got)
	}
	if results[0].Result.Found {
		t.Error("strict threshold should miss")
	}
	if !results[1].Result.Found {
		t.Error("lenient threshold should find the target")
	}
}

func TestService_DetectorErrorNotCached(t *testing.T) {
	fail := true
	det := &mockDetector{
		detectFunc: func(context.Context, image.Image, string, float64) (core.DetectionResult, error) {
			if fail {
				return core.DetectionResult{}, errors.New("model crashed")
			}
			return core.DetectionResult{Found: true}, nil
		},
	}
	svc := NewService(det, NewCache(CacheConfig{Duration: time.Minute}), ServiceConfig{})
	img := frame(color.White)

	_, err := svc.Detect(context.Background(), img, "dev", "x", 0.5)
	if !errors.Is(err, core.ErrDetectorInvocation) {
		t.Fatalf("Detect() error = %v, want ErrDetectorInvocation", err)
	}

	fail = false
	out, err := svc.Detect(context.Background(), img, "dev", "x", 0.5)
	if err != nil || !out.Result.Found || out.Cached {
		t.Errorf("Detect() after recovery = %+v, %v; want fresh found result", out, err)
	}
	if s := svc.Stats(); s.Failures != 1 || s.DetectorCalls != 2 {
		t.Errorf("Stats() = %+v, want 1 failure / 2 calls", s)
	}
}

func TestService_DetectorPanicRecovered(t *testing.T) {
	det := &mockDetector{
		detectFunc: func(context.Context, image.Image, string, float64) (core.DetectionResult, error) {
			panic("cuda out of memory")
		},
	}
	svc := NewService(det, NewCache(CacheConfig{}), ServiceConfig{})

	_, err := svc.Detect(context.Background(), frame(color.White), "dev", "x", 0.5)
	if !errors.Is(err, core.ErrDetectorInvocation) {
		t.Errorf("Detect() error = %v, want ErrDetectorInvocation", err)
	}
}

func TestService_FallbackSignatureNotCached(t *testing.T) {
	det := &mockDetector{}
	svc := NewService(det, NewCache(CacheConfig{Duration: time.Minute}), ServiceConfig{})

	for i := 0; i < 3; i++ {
		out, err := svc.Detect(context.Background(), brokenFrame{}, "dev", "x", 0.5)
		if err != nil {
			t.Fatal(err)
		}
		if out.Cached {
			t.Error("fallback signature served from cache")
		}
	}
	if got := det.calls.Load(); got != 3 {
		t.Errorf("detector calls = %d, want 3", got)
	}
	if size := svc.Cache().Stats().Size; size != 0 {
		t.Errorf("cache size = %d, want 0", size)
	}
}

func TestService_RateLimitHonorsContext(t *testing.T) {
	det := &mockDetector{}
	svc := NewService(det, NewCache(CacheConfig{}), ServiceConfig{RateLimit: 0.001, Burst: 1})

	// First call consumes the burst.
	if _, err := svc.Detect(context.Background(), frame(color.White), "dev", "a", 0.5); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Detect(ctx, frame(color.White), "dev", "b", 0.5)
	if !errors.Is(err, core.ErrDetectorInvocation) {
		t.Errorf("Detect() error = %v, want ErrDetectorInvocation from limiter", err)
	}
	if got := det.calls.Load(); got != 1 {
		t.Errorf("detector calls = %d, want 1", got)
	}
}

func TestService_Timeout(t *testing.T) {
	det := &mockDetector{
		detectFunc: func(ctx context.Context, _ image.Image, _ string, _ float64) (core.DetectionResult, error) {
			<-ctx.Done()
			return core.DetectionResult{}, ctx.Err()
		},
	}
	svc := NewService(det, NewCache(CacheConfig{}), ServiceConfig{Timeout: 10 * time.Millisecond})

	_, err := svc.Detect(context.Background(), frame(color.White), "dev", "a", 0.5)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Detect() error = %v, want deadline exceeded", err)
	}
}
