package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// Handler is a slog.Handler that passes every record to next and also emits
// it through the global OTel logger provider, so daemon logs reach the same
// collector as traces.
type Handler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	group  string
}

// NewHandler wraps next. scope names the OTel instrumentation scope.
func NewHandler(next slog.Handler, scope string) *Handler {
	return &Handler{
		next:   next,
		logger: global.GetLoggerProvider().Logger(scope),
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec.SetTimestamp(ts)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(h.convert(a))
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		c.attrs = append(c.attrs, h.convert(a))
	}
	c.next = h.next.WithAttrs(attrs)
	return c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.group != "" {
		name = c.group + "." + name
	}
	c.group = name
	c.next = h.next.WithGroup(name)
	return c
}

func (h *Handler) clone() *Handler {
	c := *h
	c.attrs = append([]otellog.KeyValue(nil), h.attrs...)
	return &c
}

func (h *Handler) convert(a slog.Attr) otellog.KeyValue {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return otellog.String(key, v.String())
	case slog.KindInt64:
		return otellog.Int64(key, v.Int64())
	case slog.KindUint64:
		return otellog.Int64(key, int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64(key, v.Float64())
	case slog.KindBool:
		return otellog.Bool(key, v.Bool())
	case slog.KindDuration:
		return otellog.String(key, v.Duration().String())
	case slog.KindTime:
		return otellog.String(key, v.Time().Format(time.RFC3339Nano))
	default:
		return otellog.String(key, fmt.Sprint(v.Any()))
	}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
