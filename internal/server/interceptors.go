package server

import (
	"context"
	"sync"
	"time"

	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// methodLimiter keeps one token bucket per full method name.
type methodLimiter struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	metrics  *observability.Metrics
}

// newMethodLimiter returns nil when perSec is not positive, which disables
// limiting.
func newMethodLimiter(perSec float64, burst int, metrics *observability.Metrics) *methodLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &methodLimiter{
		perSec:   rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		metrics:  metrics,
	}
}

func (m *methodLimiter) allow(method string) bool {
	if m == nil {
		return true
	}
	m.mu.Lock()
	l, ok := m.limiters[method]
	if !ok {
		l = rate.NewLimiter(m.perSec, m.burst)
		m.limiters[method] = l
	}
	m.mu.Unlock()

	if l.Allow() {
		return true
	}
	if m.metrics != nil {
		m.metrics.RateLimited.WithLabelValues(method).Inc()
	}
	return false
}

func (m *methodLimiter) unaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !m.allow(info.FullMethod) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func recoveryUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("panic in unary handler")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func loggingUnaryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
		start := time.Now()
		defer func() {
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("took", time.Since(start)).
				Msg("grpc unary")
		}()
		return handler(ctx, req)
	}
}
