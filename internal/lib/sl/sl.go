package sl

import (
	"log/slog"
	"strings"
)

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func Module(name string) slog.Attr {
	return slog.String("mod", name)
}

// Secret logs only the first and last characters of a credential.
func Secret(key, value string) slog.Attr {
	if len(value) <= 6 {
		return slog.String(key, strings.Repeat("*", len(value)))
	}
	return slog.String(key, value[:2]+"***"+value[len(value)-2:])
}
