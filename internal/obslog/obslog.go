// Package obslog sets up structured logging shared by every cacheprof
// package, and the buffered, non-blocking relay used to log from the
// overflow-handling loop without blocking it on log I/O.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger. When debug is set, level is
// Debug and a file sink at logPath is added alongside stderr;
// otherwise only Warn/Error reach stderr.
func New(debug bool, logPath string) zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	if debug && logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writers = append(writers, f)
		}
	}

	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
}

// signalLogMsg is one deferred log line produced from inside the
// overflow handling goroutine.
type signalLogMsg struct {
	level zerolog.Level
	msg   string
	tidx  int
}

// SignalRelay drains log lines emitted from the coordinator's
// overflow-handling goroutine on a separate goroutine, so that the hot
// path never blocks on I/O or allocates a zerolog.Event directly.
type SignalRelay struct {
	logger zerolog.Logger
	ch     chan signalLogMsg
}

// NewSignalRelay starts the background drain goroutine. Call Close to
// stop it once the Coordinator terminates.
func NewSignalRelay(logger zerolog.Logger) *SignalRelay {
	r := &SignalRelay{logger: logger, ch: make(chan signalLogMsg, 256)}
	go r.run()
	return r
}

func (r *SignalRelay) run() {
	for m := range r.ch {
		r.logger.WithLevel(m.level).Int("tidx", m.tidx).Msg(m.msg)
	}
}

// Log enqueues a log line; it never blocks the caller for long because
// the channel is buffered and the drain goroutine is always running.
// If the buffer is full the line is dropped rather than stalling the
// signal-handling goroutine.
func (r *SignalRelay) Log(level zerolog.Level, tidx int, msg string) {
	select {
	case r.ch <- signalLogMsg{level: level, msg: msg, tidx: tidx}:
	default:
	}
}

// Close stops the drain goroutine.
func (r *SignalRelay) Close() {
	close(r.ch)
}
