package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-remoting/remoting"
)

// LoggingInterceptor logs every packet passing through the chain and accepts it
type LoggingInterceptor struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingInterceptor creates a new logging interceptor that logs at Debug
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger, level: slog.LevelDebug}
}

// WithLevel returns the interceptor logging at level instead
func (i *LoggingInterceptor) WithLevel(level slog.Level) *LoggingInterceptor {
	i.level = level
	return i
}

// Intercept implements remoting.Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
	attrs := []any{
		"packetType", pkt.Type().String(),
		"channelId", pkt.ChannelID(),
		"connectionId", conn.ID(),
		"role", conn.Role().String(),
	}

	if msg := pkt.Message(); msg != nil {
		attrs = append(attrs, "messageId", msg.ID())
	}
	if sm, ok := pkt.SendMessage(); ok {
		attrs = append(attrs, "address", sm.Address)
	}

	i.logger.Log(ctx, i.level, "intercepted packet", attrs...)
	return true, nil
}

// Name implements remoting.Named
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
