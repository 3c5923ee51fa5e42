// Package logging provides leveled console logging for the governance layer.
// Subsystems log lifecycle transitions and background-sweep outcomes here;
// durable records live in the event store, not in log output.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to a writer.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	agentID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		agentID:   l.agentID,
	}
}

// WithAgentID returns a new logger tagged with an agent ID.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		agentID:   agentID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		f := fields[0]
		if l.agentID != "" {
			f["agent"] = l.agentID
		}
		fieldStr = formatFields(f)
	} else if l.agentID != "" {
		fieldStr = " agent=" + l.agentID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Governance-derived logging methods ---
// Called by subsystems at lifecycle transitions for real-time output.

// SessionStarted logs the start of a consensus session.
func (l *Logger) SessionStarted(sessionID, proposalID string, participants int) {
	l.Info("session_started", map[string]interface{}{
		"session":      sessionID,
		"proposal":     proposalID,
		"participants": participants,
	})
}

// SessionFinished logs a session reaching a terminal state.
func (l *Logger) SessionFinished(sessionID, status, outcome string) {
	l.Info("session_finished", map[string]interface{}{
		"session": sessionID,
		"status":  status,
		"outcome": outcome,
	})
}

// VoteRecorded logs an accepted vote.
func (l *Logger) VoteRecorded(sessionID, agentID, choice string) {
	l.Debug("vote_recorded", map[string]interface{}{
		"session": sessionID,
		"voter":   agentID,
		"choice":  choice,
	})
}

// AgentRegistered logs an agent registration.
func (l *Logger) AgentRegistered(agentID, agentType string, ttl time.Duration) {
	l.Info("agent_registered", map[string]interface{}{
		"id":   agentID,
		"type": agentType,
		"ttl":  ttl.String(),
	})
}

// AgentDeregistered logs an agent removal with its reason.
func (l *Logger) AgentDeregistered(agentID, reason string) {
	l.Info("agent_deregistered", map[string]interface{}{
		"id":     agentID,
		"reason": reason,
	})
}

// SweepError logs a background-sweep failure. Sweeps log and continue,
// never abort.
func (l *Logger) SweepError(sweep string, err error) {
	l.Error("sweep_error", map[string]interface{}{
		"sweep": sweep,
		"error": err.Error(),
	})
}

// HealthChanged logs a health state transition.
func (l *Logger) HealthChanged(agentID string, before, after float64) {
	l.Debug("health_changed", map[string]interface{}{
		"id":     agentID,
		"before": fmt.Sprintf("%.2f", before),
		"after":  fmt.Sprintf("%.2f", after),
	})
}

// HandlerPanic logs a recovered subscriber-handler panic.
func (l *Logger) HandlerPanic(topic string, recovered interface{}) {
	l.Error("handler_panic", map[string]interface{}{
		"topic": topic,
		"panic": fmt.Sprintf("%v", recovered),
	})
}

// ConflictDetected logs a detected voting conflict.
func (l *Logger) ConflictDetected(sessionID, conflictID, severity string) {
	l.Warn("conflict_detected", map[string]interface{}{
		"session":  sessionID,
		"conflict": conflictID,
		"severity": severity,
	})
}

// ConflictEscalated logs a conflict escalation to an authority tier.
func (l *Logger) ConflictEscalated(conflictID, level, reason string) {
	l.Warn("conflict_escalated", map[string]interface{}{
		"conflict": conflictID,
		"level":    level,
		"reason":   reason,
	})
}
