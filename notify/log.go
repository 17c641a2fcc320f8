package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier writes events to a zap logger.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("events")}
}

func (l *LogNotifier) Notify(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("symbol", ev.Symbol),
		zap.Time("at", ev.At),
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if p := ev.Position; p != nil {
		fields = append(fields,
			zap.String("position", p.ID),
			zap.String("risk_state", string(p.RiskState)),
			zap.Float64("entry", p.EntryPrice),
			zap.Float64("size", p.Size),
			zap.Float64("stop", p.StopPrice))
		if p.TrailingStopPrice != nil {
			fields = append(fields, zap.Float64("trailing_stop", *p.TrailingStopPrice))
		}
	}
	if o := ev.Order; o != nil {
		fields = append(fields,
			zap.String("key", o.Key),
			zap.String("role", string(o.Intent.Role)),
			zap.String("status", string(o.Status)),
			zap.String("last_error", o.LastError))
	}
	if len(ev.Corrections) > 0 {
		fields = append(fields, zap.Strings("corrections", ev.Corrections))
	}

	switch ev.Type {
	case OrderRejected, Reconciled:
		l.log.Warn("lifecycle event", fields...)
	default:
		l.log.Info("lifecycle event", fields...)
	}
	return nil
}
