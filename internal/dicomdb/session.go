package dicomdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Session owns the current database and lets callers swap it for a scratch
// database, then restore the previous one.
type Session struct {
	mu       sync.Mutex
	db       *Database
	tempRoot string
	logger   *slog.Logger
}

// NewSession returns a session with no database open. Temporary databases
// are created below tempRoot.
func NewSession(tempRoot string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{tempRoot: tempRoot, logger: logger}
}

// Database returns the current database, or nil when none is open.
func (s *Session) Database() *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Location returns the location of the current database, or "".
func (s *Session) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ""
	}
	return s.db.Location()
}

// Open makes the database at location current and returns the location that
// was current before. Opening the current location is a no-op.
func (s *Session) Open(ctx context.Context, location string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx, location)
}

func (s *Session) openLocked(ctx context.Context, location string) (string, error) {
	previous := ""
	if s.db != nil {
		previous = s.db.Location()
		if previous == location {
			return previous, nil
		}
	}
	db, err := Open(ctx, location)
	if err != nil {
		return previous, err
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("closing previous database", "location", previous, "error", err)
		}
	}
	s.db = db
	s.logger.Debug("database opened", "location", location, "previous", previous)
	return previous, nil
}

// OpenTemporaryDatabase switches to an empty database named name below the
// session's temporary root and returns the previous location.
func (s *Session) OpenTemporaryDatabase(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("temporary database name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	location := filepath.Join(s.tempRoot, name)
	previous := ""
	if s.db != nil {
		previous = s.db.Location()
		if previous == location {
			if err := s.db.Clear(ctx); err != nil {
				return previous, err
			}
			return previous, nil
		}
	}
	if err := os.RemoveAll(location); err != nil {
		return previous, fmt.Errorf("clear temporary database: %w", err)
	}
	if _, err := s.openLocked(ctx, location); err != nil {
		return previous, err
	}
	return previous, nil
}

// Restore switches back to a location returned by Open or
// OpenTemporaryDatabase. Restoring the current location, or restoring twice,
// does nothing. An empty location closes the current database.
func (s *Session) Restore(ctx context.Context, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if location == "" {
		return s.closeLocked()
	}
	if s.db != nil && s.db.Location() == location {
		return nil
	}
	_, err := s.openLocked(ctx, location)
	return err
}

// Close closes the current database.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
