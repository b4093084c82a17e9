package httpapi

import (
	"net/http"

	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type StackConfig struct {
	ServiceName    string
	AllowedOrigins []string
	RateLimit      RateLimitConfig
}

// Stack wraps routes with tracing, request logging, CORS and per-IP rate
// limiting, outermost first.
func Stack(routes http.Handler, cfg StackConfig, logger logrus.FieldLogger) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
	})
	limiter := NewRateLimiter(cfg.RateLimit)

	handler := corsHandler.Handler(limiter.Middleware(routes))
	handler = LoggingMiddleware(logger, handler)
	return otelhttp.NewHandler(handler, cfg.ServiceName)
}
