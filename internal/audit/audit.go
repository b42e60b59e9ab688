// Package audit records session lifecycle events as append-only JSON Lines,
// partitioned by day, through the gateway's abstract Store.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/websoft9/sshgateway/internal/store"
)

const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Event is one audit record: {ts, userId, sessionId, event, host, port}.
type Event struct {
	Timestamp time.Time `json:"ts"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	Event     string    `json:"event"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
}

// Logger appends session lifecycle events to the audit log. Unlike the
// log-and-swallow app-event writer it's adapted from, a Logger's errors
// propagate: the gateway's build/teardown paths must not report success
// before the event is durable.
type Logger struct {
	st store.Store
}

// New returns a Logger backed by st.
func New(st store.Store) *Logger {
	return &Logger{st: st}
}

// Append writes one event to the day-partitioned log named by its timestamp.
func (l *Logger) Append(ctx context.Context, ev Event) error {
	key := store.AuditKey(ev.Timestamp.UTC().Format("2006-01-02"))
	if err := l.st.AppendJSONLine(ctx, key, ev); err != nil {
		return fmt.Errorf("audit: append %s event for session %s: %w", ev.Event, ev.SessionID, err)
	}
	return nil
}

// Connect records a successful session build.
func (l *Logger) Connect(ctx context.Context, userID, sessionID, host string, port int) error {
	return l.Append(ctx, Event{
		Timestamp: time.Now(),
		UserID:    userID,
		SessionID: sessionID,
		Event:     EventConnect,
		Host:      host,
		Port:      port,
	})
}

// Disconnect records a session teardown.
func (l *Logger) Disconnect(ctx context.Context, userID, sessionID, host string, port int) error {
	return l.Append(ctx, Event{
		Timestamp: time.Now(),
		UserID:    userID,
		SessionID: sessionID,
		Event:     EventDisconnect,
		Host:      host,
		Port:      port,
	})
}
