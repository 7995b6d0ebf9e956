package asynclog

import "github.com/loopwire/loopwire/internal/logctx"

// Sink adapts a Logger to logctx.Sink, so application setup can do
// logctx.SetSink(asynclog.NewSink(logger)) once the background writer
// has started.
type Sink struct {
	logger *Logger
}

// NewSink wraps logger as a logctx.Sink.
func NewSink(logger *Logger) *Sink { return &Sink{logger: logger} }

// Append implements logctx.Sink.
func (s *Sink) Append(line string) {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	s.logger.Append([]byte(line))
}

var _ logctx.Sink = (*Sink)(nil)
