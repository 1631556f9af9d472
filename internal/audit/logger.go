package audit

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Actions recorded by the token service.
const (
	ActionRefreshTokenReplay = "refresh_token.replay"
	ActionGrantRevoke        = "grant.revoke"
)

// Event represents an audit log event.
type Event struct {
	Action   string
	Actor    string // account or application ID
	ClientID string
	Target   string // token, grant or organization ID
	Details  string
	Success  bool
	Err      error
}

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Str("log_type", "audit").Logger()
}

// SetOutput redirects audit events, mainly for tests and dedicated audit sinks.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w)
}

// Log records an audit event.
func Log(ctx context.Context, e Event) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	entry := l.Log().
		Time("timestamp", time.Now().UTC()).
		Str("service", "tenant-sso").
		Str("action", e.Action).
		Bool("success", e.Success)

	if e.Actor != "" {
		entry = entry.Str("actor", e.Actor)
	}
	if e.ClientID != "" {
		entry = entry.Str("client_id", e.ClientID)
	}
	if e.Target != "" {
		entry = entry.Str("target", e.Target)
	}
	if e.Details != "" {
		entry = entry.Str("details", e.Details)
	}
	if e.Err != nil {
		entry = entry.Str("error", e.Err.Error())
	}

	entry.Ctx(ctx).Msg("")
}
