package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SenderNames is a read-through cache of user display names. Concurrent
// lookups for the same user share one remote call.
type SenderNames struct {
	dir     UserDirectory
	timeout time.Duration
	logger  zerolog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	names map[string]string
}

// NewSenderNames creates an empty cache backed by dir.
func NewSenderNames(dir UserDirectory, logger zerolog.Logger) *SenderNames {
	return &SenderNames{
		dir:     dir,
		timeout: 10 * time.Second,
		logger:  logger.With().Str("component", "names").Logger(),
		names:   make(map[string]string),
	}
}

// Cached returns the name of userID if it has already been resolved.
func (s *SenderNames) Cached(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[userID]
	return name, ok
}

// Lookup resolves userID, consulting the remote directory at most once per
// user at a time. Failed lookups are not cached.
func (s *SenderNames) Lookup(ctx context.Context, userID string) (string, error) {
	if name, ok := s.Cached(userID); ok {
		return name, nil
	}
	v, err, _ := s.group.Do(userID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		name, err := s.dir.LookupUserName(lctx, userID)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.names[userID] = name
		s.mu.Unlock()
		return name, nil
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("name lookup failed")
		return "", err
	}
	return v.(string), nil
}

// Reset forgets every cached name.
func (s *SenderNames) Reset() {
	s.mu.Lock()
	s.names = make(map[string]string)
	s.mu.Unlock()
}
