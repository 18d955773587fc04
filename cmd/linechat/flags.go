package main

import (
	"github.com/spf13/pflag"
)

// addEndpointFlags binds the host/port/log-level flags shared by serve and
// connect. Current values (defaults overlaid by env) become flag defaults, so
// an explicit flag always wins.
func addEndpointFlags(fs *pflag.FlagSet, host *string, port *int, logLevel *string) {
	fs.StringVar(host, "host", *host, "Host address (env LINECHAT_HOST)")
	fs.IntVarP(port, "port", "p", *port, "TCP port (env LINECHAT_PORT)")
	fs.StringVar(logLevel, "log-level", *logLevel, "Log level: debug, info, warn, error (env LINECHAT_LOG_LEVEL)")
}
