package control

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultTerminalType = "xterm"
	defaultEscapeChar   = '~'
)

type Option func(c *Control)

func WithLogger(l *zap.Logger) Option {
	return func(c *Control) {
		c.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(c *Control) {
		c.log = c.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTerminalType sets the terminal type sent with new sessions that do not name their own.
// The default is $TERM, or xterm when it is unset.
func WithTerminalType(t string) Option {
	return func(c *Control) {
		c.terminalType = t
	}
}

// WithEscapeChar sets the session escape character. Use protocol.EscapeNone to disable it.
func WithEscapeChar(ch uint32) Option {
	return func(c *Control) {
		c.escapeChar = ch
	}
}

// WithMaxPacketSize limits the size of frames accepted from the master.
func WithMaxPacketSize(n uint32) Option {
	return func(c *Control) {
		c.packet.MaxSize = n
	}
}

func defaultTermType() string {
	if t := os.Getenv("TERM"); t != "" {
		return t
	}
	return defaultTerminalType
}
