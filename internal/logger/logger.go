package logger

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

var _ http.RoundTripper = (*Requests)(nil)

// Requests logs each REST call made through the wrapped transport.
type Requests struct {
	logger zerolog.Logger
	next   http.RoundTripper
}

// NewRequests wraps next, or http.DefaultTransport when nil.
func NewRequests(logger zerolog.Logger, next http.RoundTripper) *Requests {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Requests{logger: logger, next: next}
}

func (r *Requests) RoundTrip(req *http.Request) (*http.Response, error) {
	started := time.Now()

	ctx := r.logger.With().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Logger().WithContext(req.Context())

	resp, err := r.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Dur("duration", time.Since(started)).
			Msg("http call")

		return resp, err
	}

	ev := zerolog.Ctx(ctx).Debug()
	if resp.StatusCode >= http.StatusInternalServerError {
		ev = zerolog.Ctx(ctx).Warn()
	}
	ev.Int("status", resp.StatusCode).
		Bool("cached", resp.Header.Get("X-From-Cache") == "1").
		Dur("duration", time.Since(started)).
		Msg("http call")

	return resp, nil
}
