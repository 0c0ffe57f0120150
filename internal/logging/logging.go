package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below slog's DEBUG. Used for HTTP request timing, which is
// too chatty even for debug output.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"TRACE":   LevelTrace,
	"DEBUG":   slog.LevelDebug,
	"INFO":    slog.LevelInfo,
	"WARNING": slog.LevelWarn,
	"ERROR":   slog.LevelError,
}

// ParseLevel maps a CLI log level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q (want TRACE, DEBUG, INFO, WARNING, or ERROR)", name)
	}
	return lvl, nil
}

// Setup installs the default slog handler at the given minimum level,
// renaming the custom TRACE level so it doesn't print as "DEBUG-4".
func Setup(minLevel slog.Level) {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: minLevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(h))
}
