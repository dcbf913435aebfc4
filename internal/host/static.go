package host

import (
	"slices"
	"sync"
	"time"
)

// Static serves server state from a fixed template. The client count can be
// supplied by a hook, and the version can be read from a steam.inf file.
type Static struct {
	fd       int
	start    time.Time
	steamInf string

	mu      sync.RWMutex
	info    State
	players []Player
	clients func() int
}

// NewStatic returns an adapter for descriptor fd advertising info. When
// steamInf is not empty the version is read from it; a missing or unreadable
// file leaves the version at info.Version, or DefaultVersion.
func NewStatic(fd int, info State, steamInf string) *Static {
	s := &Static{fd: fd, start: time.Now(), steamInf: steamInf}
	info.Folder = GameDir(info.Folder)
	if info.Version == "" {
		info.Version = DefaultVersion
	}
	s.info = info
	s.Reload()
	return s
}

func (s *Static) Socket() int { return s.fd }

func (s *Static) Elapsed() time.Duration { return time.Since(s.start) }

// State returns the template with the live client count applied.
func (s *Static) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.info
	if s.clients != nil {
		st.Clients = s.clients()
	}
	return st, nil
}

// Players returns the configured roster.
func (s *Static) Players() ([]Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.players), nil
}

// SetClients installs the hook that reports the connected client count.
func (s *Static) SetClients(fn func() int) {
	s.mu.Lock()
	s.clients = fn
	s.mu.Unlock()
}

// SetPlayers replaces the roster returned by Players.
func (s *Static) SetPlayers(players []Player) {
	s.mu.Lock()
	s.players = slices.Clone(players)
	s.mu.Unlock()
}

// SetMap changes the advertised map.
func (s *Static) SetMap(name string) {
	s.mu.Lock()
	s.info.Map = name
	s.mu.Unlock()
}

// Reload re-reads the version from steam.inf.
func (s *Static) Reload() error {
	if s.steamInf == "" {
		return nil
	}
	v, err := ReadSteamInf(s.steamInf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.info.Version = v
	s.mu.Unlock()
	return nil
}
