package logship

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"
)

// shipperCore is a zapcore.Core that forwards every enabled log entry to
// a [Shipper]. It is used alongside a console or file core through
// zapcore.NewTee, so local logging keeps working when the ingest
// endpoint is down.
type shipperCore struct {
	zapcore.LevelEnabler
	shipper *Shipper
	fields  []zapcore.Field
}

// NewZapCore returns a zapcore.Core shipping entries at or above the
// given level through the Shipper.
//
// Example:
//
//	core := zapcore.NewTee(
//	    consoleCore,
//	    logship.NewZapCore(shipper, zapcore.InfoLevel),
//	)
//	logger := zap.New(core)
func NewZapCore(s *Shipper, enab zapcore.LevelEnabler) zapcore.Core {
	return &shipperCore{LevelEnabler: enab, shipper: s}
}

func (c *shipperCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &shipperCore{
		LevelEnabler: c.LevelEnabler,
		shipper:      c.shipper,
		fields:       make([]zapcore.Field, 0, len(c.fields)+len(fields)),
	}
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *shipperCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *shipperCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	evt := Event{
		"_time":   ent.Time.UTC().Format(time.RFC3339Nano),
		"level":   ent.Level.String(),
		"message": ent.Message,
	}
	if ent.LoggerName != "" {
		evt["logger"] = ent.LoggerName
	}
	if ent.Caller.Defined {
		evt["caller"] = ent.Caller.TrimmedPath()
	}
	for k, v := range enc.Fields {
		evt[k] = v
	}

	c.shipper.Enqueue(evt)
	return nil
}

// Sync flushes buffered events with the shipper's request timeout as the
// bound.
func (c *shipperCore) Sync() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.shipper.cfg.RequestTimeout)
	defer cancel()
	return c.shipper.Flush(ctx)
}
