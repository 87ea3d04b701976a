package telemetry

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

const logScope = "ecotrack"

// NewLogHandler returns a slog.Handler that writes every record to next and
// also emits it through provider. A nil provider uses the global one, which
// stays a no-op until [Setup] installs an exporter.
func NewLogHandler(next slog.Handler, provider otellog.LoggerProvider) slog.Handler {
	if provider == nil {
		provider = global.GetLoggerProvider()
	}
	return &logHandler{next: next, logger: provider.Logger(logScope)}
}

type logHandler struct {
	next   slog.Handler
	logger otellog.Logger
	attrs  []otellog.KeyValue
	group  string
}

func (h *logHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *logHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(convertAttr(h.group, a))
		return true
	})
	h.logger.Emit(ctx, rec)

	return h.next.Handle(ctx, r)
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	cp.attrs = append(append([]otellog.KeyValue(nil), h.attrs...), convertAttrs(h.group, attrs)...)
	return &cp
}

func (h *logHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.group = qualify(h.group, name)
	return &cp
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

func convertAttrs(group string, attrs []slog.Attr) []otellog.KeyValue {
	out := make([]otellog.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, convertAttr(group, a))
	}
	return out
}

func convertAttr(group string, a slog.Attr) otellog.KeyValue {
	key := qualify(group, a.Key)
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
	default:
		return otellog.String(key, v.String())
	}
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}
