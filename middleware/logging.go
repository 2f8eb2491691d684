package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logging logs every exchange: method, URL, status, duration, and the
// error if one surfaced.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Info("request", append(fields, zap.Int("status", resp.Head.StatusCode))...)
			return resp, nil
		}
	}
}
