package sink

import (
	"encoding/hex"
	"sync/atomic"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/publisher"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterSink("log", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewLogSink(log.Logger.With().Str("sink", config.Name).Logger()), nil
	})
}

// LogSink writes each event as a structured log line. It needs no broker
// and is what single-node deployments and tests use.
type LogSink struct {
	logger    zerolog.Logger
	published atomic.Uint64
	closed    atomic.Bool
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(topic, key string, value []byte) error {
	if l.closed.Load() {
		return errSinkClosed
	}
	l.logger.Info().
		Str("topic", topic).
		Str("key", key).
		RawJSON("event", jsonOrQuoted(value)).
		Msg("Placement event")
	l.published.Add(1)
	return nil
}

// Published counts successful Publish calls.
func (l *LogSink) Published() uint64 {
	return l.published.Load()
}

func (l *LogSink) Close() error {
	l.closed.Store(true)
	return nil
}

// jsonOrQuoted embeds JSON payloads as-is and hex-quotes binary ones
// (msgpack) so the log line stays valid JSON.
func jsonOrQuoted(value []byte) []byte {
	if len(value) > 0 && (value[0] == '{' || value[0] == '[') {
		return value
	}
	return []byte(`"` + hex.EncodeToString(value) + `"`)
}
