// Package logger provides the namespaced zap logger shared by every
// component of the swarm core, filtered with zapfilter the same way the
// teacher project dials verbosity per namespace.
package logger

import (
	"go.uber.org/zap"
	"moul.io/zapfilter"
)

// rule controls which namespaces emit at which level. Swap to something like
// "*:* -debug:pex" to quiet a noisy component without touching call sites.
const rule = "*"

// Log is the root logger; Named derives a per-component child from it.
var Log *zap.Logger

// Named returns a child logger scoped to the given component name, e.g.
// logger.Named("swarm") or logger.Named("pex").
func Named(s string) *zap.Logger {
	return Log.Named(s)
}

func init() {
	base, err := zap.NewProduction()
	if err != nil {
		base = zap.NewNop()
	}
	core := base.Core()
	Log = zap.New(zapfilter.NewFilteringCore(core, zapfilter.MustParseRules(rule)))
}

// SetDevelopment swaps the root logger for a development-mode one (console
// encoding, debug level) — used by cmd/ entrypoints that want readable
// stdout logs instead of the default JSON production encoding.
func SetDevelopment() {
	base, err := zap.NewDevelopment()
	if err != nil {
		return
	}
	Log = zap.New(zapfilter.NewFilteringCore(base.Core(), zapfilter.MustParseRules(rule)))
}
