package detection

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/devicelab-dev/vision-runner/pkg/core"
	"github.com/devicelab-dev/vision-runner/pkg/fingerprint"
	"github.com/devicelab-dev/vision-runner/pkg/logger"
)

// ServiceConfig configures a Service.
type ServiceConfig struct {
	RateLimit float64       // Detector calls per second across all devices; 0 = unlimited
	Burst     int           // Limiter burst; defaults to 1
	Timeout   time.Duration // Per detector call; 0 = bounded only by ctx
}

// Outcome is the answer to one detection request.
type Outcome struct {
	Result    core.DetectionResult
	Signature string // Frame fingerprint used for the cache key
	Cached    bool   // Served from the cache without calling the detector
	Shared    bool   // Joined an identical in-flight detector call
}

// ServiceStats reports cache and detector counters.
type ServiceStats struct {
	Cache         CacheStats `json:"cache"`
	DetectorCalls int64      `json:"detectorCalls"`
	SharedCalls   int64      `json:"sharedCalls"`
	Failures      int64      `json:"failures"`
}

// Service routes detection requests through the cache. Concurrent identical
// requests (same cache key) share one detector call.
type Service struct {
	detector core.Detector
	cache    *Cache
	group    singleflight.Group
	limiter  *rate.Limiter
	timeout  time.Duration

	detectorCalls atomic.Int64
	sharedCalls   atomic.Int64
	failures      atomic.Int64
}

// NewService creates a Service over detector and cache.
func NewService(detector core.Detector, cache *Cache, cfg ServiceConfig) *Service {
	s := &Service{
		detector: detector,
		cache:    cache,
		timeout:  cfg.Timeout,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Cache returns the underlying cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Detect looks for target on frame. Detector errors and panics are returned as
// core.ErrDetectorInvocation; a miss is a nil error with Result.Found == false.
func (s *Service) Detect(ctx context.Context, frame image.Image, deviceID, target string, threshold float64) (Outcome, error) {
	sig := fingerprint.Fingerprint(frame)
	req := core.DetectionRequest{
		TargetClass:    target,
		DeviceID:       deviceID,
		FrameSignature: sig,
	}

	if result, ok := s.cache.Lookup(req); ok {
		logger.Debug("detection cache hit: %s on %s (sig=%s)", target, deviceID, sig)
		return Outcome{Result: result, Signature: sig, Cached: true}, nil
	}

	// In-flight calls are shared only when the threshold matches too.
	flight := Key(req) + "@" + strconv.FormatFloat(threshold, 'g', -1, 64)
	v, err, shared := s.group.Do(flight, func() (interface{}, error) {
		result, err := s.invoke(ctx, frame, target, threshold)
		if err != nil {
			return nil, err
		}
		if cacheable(sig) {
			s.cache.Store(req, result)
		}
		return result, nil
	})
	if shared {
		s.sharedCalls.Add(1)
	}
	if err != nil {
		return Outcome{Signature: sig, Shared: shared}, err
	}
	return Outcome{Result: v.(core.DetectionResult), Signature: sig, Shared: shared}, nil
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Cache:         s.cache.Stats(),
		DetectorCalls: s.detectorCalls.Load(),
		SharedCalls:   s.sharedCalls.Load(),
		Failures:      s.failures.Load(),
	}
}

func (s *Service) invoke(ctx context.Context, frame image.Image, target string, threshold float64) (result core.DetectionResult, err error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.failures.Add(1)
			return core.DetectionResult{}, core.ErrDetectorInvocation.WithCause(err)
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.detectorCalls.Add(1)
	defer func() {
		if r := recover(); r != nil {
			result = core.DetectionResult{}
			err = core.ErrDetectorInvocation.WithCause(fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			s.failures.Add(1)
		}
	}()

	result, err = s.detector.Detect(ctx, frame, target, threshold)
	if err != nil {
		return core.DetectionResult{}, core.ErrDetectorInvocation.WithCause(err)
	}
	return result, nil
}

// cacheable reports whether results for a signature can be reused.
// Fallback signatures are unique per call and would only churn the cache.
func cacheable(sig string) bool {
	return !strings.HasPrefix(sig, "fallback_")
}
