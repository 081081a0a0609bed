package cluster

import (
	"log/slog"
	"sync"
)

// Fencer consumes the transport's idle-link suspicion signal. Deciding
// whether a suspected node gets fenced is up to the implementation.
type Fencer interface {
	// Suspect is raised when no traffic arrived from id within the idle
	// timeout.
	Suspect(id NodeID)

	// Unsuspect clears a previous Suspect after fresh traffic from id.
	Unsuspect(id NodeID)
}

// LogFencer records suspicions and logs transitions. It takes no action.
type LogFencer struct {
	logger *slog.Logger

	mu        sync.Mutex
	suspected NodeMap
}

// NewLogFencer creates a LogFencer. A nil logger uses slog.Default().
func NewLogFencer(logger *slog.Logger) *LogFencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogFencer{logger: logger}
}

func (f *LogFencer) Suspect(id NodeID) {
	f.mu.Lock()
	already := f.suspected.Test(id)
	f.suspected.Set(id)
	f.mu.Unlock()

	if !already {
		f.logger.Warn("peer idle, suspecting", "peer", id)
	}
}

func (f *LogFencer) Unsuspect(id NodeID) {
	f.mu.Lock()
	was := f.suspected.Test(id)
	f.suspected.Clear(id)
	f.mu.Unlock()

	if was {
		f.logger.Info("peer traffic resumed, suspicion cleared", "peer", id)
	}
}

// Suspected returns the currently suspected nodes.
func (f *LogFencer) Suspected() NodeMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspected
}
