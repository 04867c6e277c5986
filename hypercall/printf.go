package hypercall

import (
	"io"

	"kafl.local/agent/memory"

	"github.com/sirupsen/logrus"
)

// MessageSize bounds every string handed to the host by pointer.
const MessageSize = 1024

// Message writes msg into the guest scratch buffer at buf and issues op
// with the buffer address. Used for PRINTF and USER_ABORT.
func Message(t Transport, mem memory.Space, buf uint64, op Opcode, msg string) uint64 {
	if err := memory.WriteCString(mem, buf, msg, MessageSize); err != nil {
		// Nowhere to report this; send an empty string so the call still happens.
		return t.Call(op, 0)
	}
	return t.Call(op, buf)
}

// PrintfHook forwards log entries to the host log via PRINTF.
type PrintfHook struct {
	Transport Transport
	Mem       memory.Space
	Buffer    uint64
	Level     logrus.Level
	Formatter logrus.Formatter
}

// NewPrintfHook returns a hook sending entries at or above level through the
// scratch buffer buf.
func NewPrintfHook(t Transport, mem memory.Space, buf uint64, level logrus.Level) *PrintfHook {
	return &PrintfHook{
		Transport: t,
		Mem:       mem,
		Buffer:    buf,
		Level:     level,
		Formatter: &logrus.TextFormatter{DisableTimestamp: true, DisableColors: true},
	}
}

func (h *PrintfHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= h.Level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *PrintfHook) Fire(e *logrus.Entry) error {
	line, err := h.Formatter.Format(e)
	if err != nil {
		return err
	}
	Message(h.Transport, h.Mem, h.Buffer, Printf, string(line))
	return nil
}

// NewLogger builds the default agent logger: everything goes to the host,
// nothing to local output.
func NewLogger(t Transport, mem memory.Space, buf uint64) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.InfoLevel)
	l.AddHook(NewPrintfHook(t, mem, buf, logrus.InfoLevel))
	return l
}
