// Package zlog provides the structured logger every zerofun component
// logs through, replacing the teacher's fmt.Printf("[name] ...")
// convention with slog attributes.
package zlog

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New returns a logger tagged with component=name, backed by a
// tint-colored slog handler writing to stderr.
func New(component string) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level: slog.LevelInfo,
	})
	return slog.New(handler).With("component", component)
}
