// Package audit records operator actions against the gateway: admin
// authentication and changes to the location cache.
package audit

import (
	"github.com/rs/zerolog"
)

// Results.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger writes audit events as structured log entries tagged
// event_type so they can be filtered from ordinary logs.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogAuth records an admin API authentication attempt.
func (l *Logger) LogAuth(path, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("path", path).
		Str("result", result).
		Str("source_ip", sourceIP)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Authentication event")
}

// LogPurge records an operator erasing peers' cached locations.
// purged maps each peer to the number of entries removed.
func (l *Logger) LogPurge(transport, sourceIP string, purged map[string]int) {
	total := 0
	peers := zerolog.Dict()
	for peer, n := range purged {
		peers.Int(peer, n)
		total += n
	}

	l.logger.Info().
		Str("event_type", "purge").
		Str("transport", transport).
		Str("source_ip", sourceIP).
		Dict("peers", peers).
		Int("total", total).
		Msg("Cache purge")
}

// LogExport records a full or partial cache dump leaving the gateway.
func (l *Logger) LogExport(transport, format, sourceIP string, peers []string) {
	event := l.logger.Info().
		Str("event_type", "export").
		Str("transport", transport).
		Str("format", format).
		Str("source_ip", sourceIP)
	if len(peers) > 0 {
		event = event.Strs("peers", peers)
	}
	event.Msg("Cache export")
}
