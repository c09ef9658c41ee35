// Package log provides the structured logger used by every chainrpc package.
//
// Components never construct loggers themselves. They read one from the
// context they are started with and scope it by name:
//
//	lg := log.FromContext(ctx).WithName("ws-transport")
//	lg.Info("connected", "url", url, "connID", id)
//
// The command wires a ZapLogger into the root context:
//
//	logger := log.NewZapLogger(log.Config{Format: "logfmt", Level: log.LevelDebug})
//	ctx := log.SetContextLogger(context.Background(), logger)
//
// When the context carries an OpenTelemetry span, SetContextLogger wraps the
// logger in a SpanLogger, so each entry is also recorded as a span event and
// error entries mark the span as failed.
package log
