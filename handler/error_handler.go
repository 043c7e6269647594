package handler

import (
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/splitkit/pkg/clientip"
	"github.com/dmitrymomot/splitkit/pkg/logger"
	"github.com/dmitrymomot/splitkit/pkg/requestid"
)

// ErrorInfo contains classified error information
type ErrorInfo struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter string // Retry-After header value, if any
}

// ErrorHandlerConfig configures the default error handler
type ErrorHandlerConfig struct {
	// Classify maps an error to its response. Defaults to HTTPError or 500.
	Classify func(error) ErrorInfo

	// Component is logged with every error (default: "error_handler").
	Component string
}

func isClientError(statusCode int) bool {
	return statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError
}

func determineLogLevel(statusCode int) slog.Level {
	if isClientError(statusCode) {
		return slog.LevelWarn
	}
	return slog.LevelError
}

func defaultClassify(err error) ErrorInfo {
	status, detail := errorToDetail(err)
	return ErrorInfo{StatusCode: status, Code: detail.Code, Message: detail.Message}
}

func setConfigDefaults(cfg ErrorHandlerConfig) ErrorHandlerConfig {
	if cfg.Classify == nil {
		cfg.Classify = defaultClassify
	}
	if cfg.Component == "" {
		cfg.Component = "error_handler"
	}
	return cfg
}

func logError(log *slog.Logger, r *http.Request, err error, info ErrorInfo, component string) {
	log.LogAttrs(r.Context(), determineLogLevel(info.StatusCode), "request error",
		logger.RequestID(requestid.FromContext(r.Context())),
		logger.Error(err),
		slog.Int("status_code", info.StatusCode),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("client_ip", clientip.FromRequest(r)),
		logger.Component(component),
	)
}

// NewErrorHandler creates an error handler that logs the error and renders
// it in the JSON error envelope. Client errors log at WARN, the rest at ERROR.
func NewErrorHandler(log *slog.Logger, cfg ErrorHandlerConfig) ErrorHandler[Context] {
	cfg = setConfigDefaults(cfg)
	if log == nil {
		log = slog.Default()
	}

	return func(ctx Context, err error) {
		info := cfg.Classify(err)
		logError(log, ctx.Request(), err, info, cfg.Component)

		opts := []JSONOption{WithJSONStatus(info.StatusCode)}
		if info.RetryAfter != "" {
			opts = append(opts, WithJSONHeader("Retry-After", info.RetryAfter))
		}
		resp := JSONError(ErrorDetail{Code: info.Code, Message: info.Message}, opts...)
		if renderErr := resp.Render(ctx.ResponseWriter(), ctx.Request()); renderErr != nil {
			log.ErrorContext(ctx, "failed to render error response",
				logger.Error(renderErr),
				logger.Component(cfg.Component),
			)
		}
	}
}
