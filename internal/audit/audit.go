// Package audit forwards durability and merge-fallback alerts to syslog.
// Structure (an enable flag gating a no-op logger, a JSON-encoded audit
// record, a subscriber that turns repository events into log calls)
// follows the teacher's internal/auth/audit.go; the transport is swapped
// from the teacher's local slog-to-file sink to github.com/RackSec/srslog,
// since these are operator alerts meant to reach a syslog aggregator, not
// per-request audit trail entries written alongside application logs.
package audit

import (
	"encoding/json"
	"fmt"

	"github.com/RackSec/srslog"

	"github.com/goatdb/goatdb/internal/repository"
)

// Config configures where audit events are forwarded.
type Config struct {
	Enabled bool
	// Network is "" for the local syslog socket, or "udp"/"tcp" for a
	// remote aggregator at Address.
	Network string
	Address string
	// Tag identifies this process in forwarded syslog records.
	Tag string
}

// Logger forwards repository.DurabilityFailed and repository.MergeFallback
// events to syslog. A Logger built from a disabled Config is a no-op: every
// method is safe to call, nothing is written.
type Logger struct {
	writer *srslog.Writer
}

// New dials syslog per cfg. If cfg.Enabled is false, New returns a no-op
// Logger rather than an error, so callers can construct one unconditionally
// and let Config decide whether it does anything.
func New(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{}, nil
	}
	w, err := srslog.Dial(cfg.Network, cfg.Address, srslog.LOG_WARNING|srslog.LOG_DAEMON, cfg.Tag)
	if err != nil {
		return nil, fmt.Errorf("audit: dialing syslog: %w", err)
	}
	return &Logger{writer: w}, nil
}

// Close releases the underlying syslog connection, if any.
func (l *Logger) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

// record is the JSON shape written to syslog for every audit event.
type record struct {
	EventType string `json:"event_type"`
	Payload   any    `json:"payload"`
}

func (l *Logger) write(sev func(string) error, eventType string, payload any) {
	if l.writer == nil {
		return
	}
	data, err := json.Marshal(record{EventType: eventType, Payload: payload})
	if err != nil {
		return
	}
	_ = sev(string(data))
}

// LogDurabilityFailed forwards a durability barrier failure at LOG_WARNING.
func (l *Logger) LogDurabilityFailed(ev repository.DurabilityFailed) {
	errMsg := ""
	if ev.Err != nil {
		errMsg = ev.Err.Error()
	}
	l.write(l.writer.Warning, "durability_failed", struct {
		Op  string `json:"op"`
		Err string `json:"error"`
	}{ev.Op, errMsg})
}

// LogMergeFallback forwards a field that fell back to last-writer-wins at
// LOG_NOTICE — informational, not an operator emergency the way a
// durability failure is.
func (l *Logger) LogMergeFallback(ev repository.MergeFallback) {
	l.write(l.writer.Notice, "merge_fallback", ev)
}

// Observe subscribes to repo's event stream and forwards DurabilityFailed
// and MergeFallback events until the returned func is called. Same
// subscriber shape as internal/metrics.ObserveRepository — the repository
// itself has no notion of audit or syslog.
func (l *Logger) Observe(repo *repository.Repository) func() {
	events, unsubscribe := repo.Subscribe()
	go func() {
		for ev := range events {
			switch e := ev.(type) {
			case repository.DurabilityFailed:
				l.LogDurabilityFailed(e)
			case repository.MergeFallback:
				l.LogMergeFallback(e)
			}
		}
	}()
	return unsubscribe
}
