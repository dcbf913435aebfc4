// Package host describes what the filter needs from the process that owns
// the query socket, and provides a static implementation for running the
// filter in front of a remote server.
package host

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultVersion is advertised when the server version cannot be read.
const DefaultVersion = "16.12.01"

const patchVersionKey = "PatchVersion="

// ErrUnavailable reports that live server state could not be read.
var ErrUnavailable = errors.New("host: server state unavailable")

// State is a snapshot of the server identity and status advertised in info
// replies.
type State struct {
	Name        string
	Map         string
	Folder      string
	Description string
	AppID       uint64
	Clients     int
	MaxClients  int
	Bots        int
	Password    bool
	Secure      bool
	Version     string
	Port        uint16
	SteamID     uint64
	Tags        string
}

// Player is one entry of the server roster.
type Player struct {
	Name      string
	Score     int32
	Connected time.Duration
}

// Adapter is implemented by the process hosting the filter.
type Adapter interface {
	// Socket returns the descriptor of the UDP query socket.
	Socket() int
	// State reads the current server state.
	State() (State, error)
	// Players reads the connected players.
	Players() ([]Player, error)
	// Elapsed is a monotonic clock measured from host start.
	Elapsed() time.Duration
}

// Reloader is implemented by adapters that cache static server details and
// can re-read them on demand.
type Reloader interface {
	Reload() error
}

// ReadSteamInf returns the PatchVersion value of a steam.inf file.
func ReadSteamInf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if v, ok := strings.CutPrefix(line, patchVersionKey); ok && v != "" {
			return v, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}
	return "", fmt.Errorf("no %s line in %s", strings.TrimSuffix(patchVersionKey, "="), path)
}

// GameDir reduces a game directory path to its last component.
func GameDir(path string) string {
	path = strings.TrimRight(path, `\/`)
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// GamemodeTags formats the tag string advertising the active gamemode.
func GamemodeTags(gamemode, workshopID string) string {
	if gamemode == "" {
		return ""
	}
	tags := " gm:" + gamemode
	if workshopID != "" {
		tags += " gmws:" + workshopID
	}
	return tags
}
