package middleware

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pbrpc/client"
)

// ErrRateLimited is returned by calls RateLimitInterceptor turned away.
var ErrRateLimited = errors.New("rpc: client rate limit exceeded")

// RateLimitInterceptor fails calls beyond a token bucket before they reach
// the network.
type RateLimitInterceptor struct {
	limiter *rate.Limiter
}

func NewRateLimitInterceptor(r float64, burst int) *RateLimitInterceptor {
	return &RateLimitInterceptor{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (i *RateLimitInterceptor) BeforeInvoke(*client.MethodInvocationInfo) {}

func (i *RateLimitInterceptor) Process(info *client.MethodInvocationInfo) (any, error) {
	if !i.limiter.Allow() {
		return nil, errors.Wrap(ErrRateLimited, info.Signature)
	}
	return nil, nil
}

func (i *RateLimitInterceptor) AfterProcess() {}

// LoggingInterceptor logs every call a stub makes.
type LoggingInterceptor struct {
	logger *zap.Logger
}

func NewLoggingInterceptor(logger *zap.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) BeforeInvoke(info *client.MethodInvocationInfo) {
	i.logger.Debug("invoke",
		zap.String("method", info.Method),
		zap.String("signature", info.Signature),
		zap.Int("args", len(info.Args)))
}

func (i *LoggingInterceptor) Process(*client.MethodInvocationInfo) (any, error) {
	return nil, nil
}

func (i *LoggingInterceptor) AfterProcess() {}

type interceptorChain []client.Interceptor

// ChainInterceptors runs interceptors in order. The first Process that
// returns a result or an error ends the chain; AfterProcess runs in reverse.
func ChainInterceptors(interceptors ...client.Interceptor) client.Interceptor {
	return interceptorChain(interceptors)
}

func (c interceptorChain) BeforeInvoke(info *client.MethodInvocationInfo) {
	for _, i := range c {
		i.BeforeInvoke(info)
	}
}

func (c interceptorChain) Process(info *client.MethodInvocationInfo) (any, error) {
	for _, i := range c {
		if result, err := i.Process(info); result != nil || err != nil {
			return result, err
		}
	}
	return nil, nil
}

func (c interceptorChain) AfterProcess() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].AfterProcess()
	}
}
