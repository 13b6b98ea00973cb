package server

import (
	"compress/flate"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"testgen/internal/core"
)

// RequestIDMiddleware propagates X-Request-ID, generating a UUID when the
// client sent none. The ID is echoed in the response and stored in the
// request context for logging and the upstream call.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
				req.Header.Set(echo.HeaderXRequestID, id)
			}
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), id)))
			return next(c)
		}
	}
}

// RequestLoggerMiddleware writes one slog line per request.
func RequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
				slog.String("request_id", v.RequestID),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

// RecoverMiddleware turns handler panics into 500 responses and logs them.
func RecoverMiddleware() echo.MiddlewareFunc {
	return middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			core.Logger(c.Request().Context()).Error("handler panic",
				"error", err,
				"stack", string(stack),
			)
			return err
		},
	})
}

// NoCacheMiddleware marks every response as uncacheable. Handlers may
// override the header.
func NoCacheMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
			return next(c)
		}
	}
}

// CORSMiddleware allows browser clients from origins; empty means any origin.
func CORSMiddleware(origins []string) echo.MiddlewareFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderContentEncoding, echo.HeaderXRequestID},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	})
}

// DecompressMiddleware inflates request bodies sent with Content-Encoding
// gzip, deflate or br. The decompressed body is capped at limit bytes.
// Unknown encodings are rejected with 415.
func DecompressMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			encoding := strings.ToLower(strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding)))
			if encoding == "" || encoding == "identity" || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			reader, err := newDecompressor(encoding, req.Body)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+encoding+" body")
			}
			if reader == nil {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding: "+encoding)
			}

			req.Body = http.MaxBytesReader(c.Response(), reader, limit)
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			req.ContentLength = -1
			return next(c)
		}
	}
}

// newDecompressor returns nil, nil for an unsupported encoding.
func newDecompressor(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &decompressedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "deflate":
		fr := flate.NewReader(body)
		return &decompressedBody{Reader: fr, closers: []io.Closer{fr, body}}, nil
	case "br":
		return &decompressedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	default:
		return nil, nil
	}
}

type decompressedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decompressedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
