package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/pos-fulfillment/internal/common"
)

// NewLogger builds the process logger. format "console" or "text" selects the
// human-readable writer; anything else emits JSON lines.
func NewLogger(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "pos-fulfillment").Logger()
}

// RequestLogger writes one access line per request and hands handlers a
// logger already carrying the request and trace ids.
type RequestLogger struct {
	Logger zerolog.Logger
	// Quiet paths are logged at debug level when they succeed.
	Quiet []string
}

func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		fields := l.Logger.With().Str("request_id", reqID)
		spanCtx := trace.SpanContextFromContext(r.Context())
		if spanCtx.IsValid() {
			fields = fields.Str("trace_id", spanCtx.TraceID().String()).Str("span_id", spanCtx.SpanID().String())
		}
		scoped := fields.Logger()
		r = r.WithContext(scoped.WithContext(r.Context()))

		recorder := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)

		status := recorder.Status()
		var evt *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			evt = scoped.Error()
		case status >= http.StatusBadRequest:
			evt = scoped.Warn()
		case l.quiet(r.URL.Path):
			evt = scoped.Debug()
		default:
			evt = scoped.Info()
		}
		evt = evt.
			Str("method", r.Method).
			Str("route", routeLabel(r)).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Int64("bytes", recorder.BytesWritten())
		if sub, ok := common.Subject(r.Context()); ok && sub != "" {
			evt = evt.Str("subject", sub)
		}
		if ip := common.ClientIP(r); ip != "" {
			evt = evt.Str("client_ip", ip)
		}
		if recorder.Header().Get(common.ReplayHeader) != "" {
			evt = evt.Bool("idempotent_replay", true)
		}
		evt.Msg("http_request")
	})
}

func (l RequestLogger) quiet(path string) bool {
	for _, p := range l.Quiet {
		if p == path {
			return true
		}
	}
	return false
}
