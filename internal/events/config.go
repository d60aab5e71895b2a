package events

import (
	"context"
	"fmt"

	"github.com/coverwise/coverwise/internal/config"
)

// NewFromConfig builds the configured sinks and starts an emitter. It
// returns nil, nil when no sinks are configured; a nil *Emitter is safe
// to Emit on.
func NewFromConfig(cfg config.EventsConfig) (*Emitter, error) {
	if len(cfg.Sinks) == 0 {
		return nil, nil
	}
	sinks := make([]Sink, 0, len(cfg.Sinks))
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close(context.Background())
		}
	}
	for i, sc := range cfg.Sinks {
		var (
			s   Sink
			err error
		)
		switch sc.Type {
		case config.SinkFileJSONL:
			s, err = NewFileSink(sc.Path)
		case config.SinkWebhook:
			s, err = NewWebhookSink(sc.URL, sc.Headers, sc.Secret(), sc.Timeout)
		default:
			err = fmt.Errorf("unknown type %q", sc.Type)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("events sink %d: %w", i, err)
		}
		sinks = append(sinks, s)
	}
	return NewEmitter(EmitterConfig{
		QueueSize:       cfg.QueueSize,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, sinks), nil
}
