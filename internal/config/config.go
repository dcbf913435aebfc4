// Package config loads queryguard settings from YAML or INI files.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"

	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/limiter"
)

var (
	ErrReadingConfig = errors.New("reading config file")
	ErrParsingConfig = errors.New("parsing config file")
	ErrUnknownFormat = errors.New("unknown config file format")
	ErrInvalidConfig = errors.New("invalid config")
)

// Environment variables that override file values.
const (
	EnvListen   = "QUERYGUARD_LISTEN"
	EnvUpstream = "QUERYGUARD_UPSTREAM"
)

// Config is the complete queryguard configuration.
type Config struct {
	Server   Server   `yaml:"server" ini:"server"`
	Filter   Filter   `yaml:"filter" ini:"filter"`
	Limiter  Limiter  `yaml:"limiter" ini:"limiter"`
	Cache    Cache    `yaml:"cache" ini:"cache"`
	Firewall Firewall `yaml:"firewall" ini:"firewall"`
	Info     Info     `yaml:"info" ini:"info"`
	Players  Players  `yaml:"players" ini:"players"`
}

// Server configures the front socket and the upstream game server.
type Server struct {
	Listen      string `yaml:"listen" ini:"listen"`
	Upstream    string `yaml:"upstream" ini:"upstream"`
	TTL         int    `yaml:"ttl" ini:"ttl"`
	IdleTimeout int    `yaml:"idle_timeout" ini:"idle_timeout"` // seconds
	FrameMillis int    `yaml:"frame_ms" ini:"frame_ms"`
}

// Filter configures interception.
type Filter struct {
	Validation     bool `yaml:"validation" ini:"validation"`
	Queue          bool `yaml:"queue" ini:"queue"`
	QueueCapacity  int  `yaml:"queue_capacity" ini:"queue_capacity"`
	Sampling       bool `yaml:"sampling" ini:"sampling"`
	SampleCapacity int  `yaml:"sample_capacity" ini:"sample_capacity"`
	PollMillis     int  `yaml:"poll_ms" ini:"poll_ms"`
}

// Limiter configures the query limiter. Window is in seconds.
type Limiter struct {
	Enabled   bool   `yaml:"enabled" ini:"enabled"`
	Window    uint32 `yaml:"window" ini:"window"`
	Threshold uint32 `yaml:"threshold" ini:"threshold"`
	Global    uint32 `yaml:"global" ini:"global"`
	Policy    string `yaml:"policy" ini:"policy"`
}

// Cache configures the reply caches. TTLs are in seconds.
type Cache struct {
	Info       bool `yaml:"info" ini:"info"`
	InfoTTL    int  `yaml:"info_ttl" ini:"info_ttl"`
	Players    bool `yaml:"players" ini:"players"`
	PlayersTTL int  `yaml:"players_ttl" ini:"players_ttl"`
}

// Firewall lists IPv4 addresses.
type Firewall struct {
	Whitelist bool     `yaml:"whitelist" ini:"whitelist"`
	Blacklist bool     `yaml:"blacklist" ini:"blacklist"`
	Allow     []string `yaml:"allow" ini:"allow"`
	Deny      []string `yaml:"deny" ini:"deny"`
}

// Info describes the server advertised in info replies.
type Info struct {
	Name              string `yaml:"name" ini:"name"`
	Map               string `yaml:"map" ini:"map"`
	Folder            string `yaml:"folder" ini:"folder"`
	Description       string `yaml:"description" ini:"description"`
	AppID             uint64 `yaml:"app_id" ini:"app_id"`
	MaxClients        int    `yaml:"max_clients" ini:"max_clients"`
	VisibleMaxClients int    `yaml:"visible_max_clients" ini:"visible_max_clients"`
	Bots              int    `yaml:"bots" ini:"bots"`
	Password          bool   `yaml:"password" ini:"password"`
	Secure            bool   `yaml:"secure" ini:"secure"`
	Version           string `yaml:"version" ini:"version"`
	SteamInf          string `yaml:"steam_inf" ini:"steam_inf"`
	Port              uint16 `yaml:"port" ini:"port"`
	SteamID           uint64 `yaml:"steam_id" ini:"steam_id"`
	Gamemode          string `yaml:"gamemode" ini:"gamemode"`
	WorkshopID        string `yaml:"workshop_id" ini:"workshop_id"`
	MapDetection      bool   `yaml:"map_detection" ini:"map_detection"`
	MapName           string `yaml:"map_name" ini:"map_name"`
}

// Players configures player spoofing. Roster entries are
// "name:score:seconds".
type Players struct {
	Spoof  bool     `yaml:"spoof" ini:"spoof"`
	Count  int      `yaml:"count" ini:"count"`
	Roster []string `yaml:"roster" ini:"roster"`
}

// Default returns the configuration used for settings absent from a file.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:      "0.0.0.0:27015",
			Upstream:    "127.0.0.1:27016",
			IdleTimeout: 30,
			FrameMillis: 15,
		},
		Filter: Filter{
			Validation:     true,
			QueueCapacity:  1000,
			SampleCapacity: 10,
			PollMillis:     100,
		},
		Limiter: Limiter{
			Window:    limiter.DefaultWindow,
			Threshold: limiter.DefaultThreshold,
			Global:    limiter.DefaultGlobalThreshold,
			Policy:    limiter.PolicyPerWindow.String(),
		},
		Cache: Cache{
			Info:       true,
			InfoTTL:    5,
			PlayersTTL: 5,
		},
		Info: Info{
			Name:         "queryguard",
			MaxClients:   32,
			MapDetection: true,
		},
		Players: Players{Count: 10},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. The format is chosen by file extension.
func Load(path string) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Join(ErrReadingConfig, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, errors.Join(ErrParsingConfig, err)
		}

	case ".ini", ".conf", ".cfg":
		f, err := ini.Load(path)
		if err != nil {
			return nil, errors.Join(ErrReadingConfig, err)
		}
		if err := f.MapTo(cfg); err != nil {
			return nil, errors.Join(ErrParsingConfig, err)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideFromEnv(&c.Server.Listen, EnvListen)
	overrideFromEnv(&c.Server.Upstream, EnvUpstream)
}

func overrideFromEnv(target *string, envName string) {
	if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
		*target = v
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := c.ListenAddr(); err != nil {
		bad("server.listen: %w", err)
	}
	if _, err := c.UpstreamAddr(); err != nil {
		bad("server.upstream: %w", err)
	}
	if c.Server.TTL < 0 || c.Server.TTL > 255 {
		bad("server.ttl: %d out of range 0-255", c.Server.TTL)
	}
	if c.Server.IdleTimeout <= 0 {
		bad("server.idle_timeout: must be positive")
	}
	if c.Server.FrameMillis <= 0 {
		bad("server.frame_ms: must be positive")
	}
	if c.Filter.QueueCapacity < 0 || c.Filter.SampleCapacity < 0 {
		bad("filter: capacities must not be negative")
	}
	if c.Filter.PollMillis <= 0 {
		bad("filter.poll_ms: must be positive")
	}
	if c.Limiter.Window == 0 {
		bad("limiter.window: must be at least 1")
	}
	if _, err := limiter.ParsePolicy(c.Limiter.Policy); err != nil {
		bad("limiter.policy: %w", err)
	}
	if c.Cache.InfoTTL < 0 || c.Cache.PlayersTTL < 0 {
		bad("cache: TTLs must not be negative")
	}
	if _, err := parseAddrs(c.Firewall.Allow); err != nil {
		bad("firewall.allow: %w", err)
	}
	if _, err := parseAddrs(c.Firewall.Deny); err != nil {
		bad("firewall.deny: %w", err)
	}
	if c.Info.MaxClients < 0 || c.Info.MaxClients > 255 {
		bad("info.max_clients: %d out of range 0-255", c.Info.MaxClients)
	}
	if _, err := c.Players.Entries(); err != nil {
		bad("players.roster: %w", err)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
}

// ListenAddr parses Server.Listen.
func (c *Config) ListenAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(c.Server.Listen)
}

// UpstreamAddr parses Server.Upstream.
func (c *Config) UpstreamAddr() (netip.AddrPort, error) {
	return netip.ParseAddrPort(c.Server.Upstream)
}

// AllowAddrs parses Firewall.Allow.
func (c *Config) AllowAddrs() ([]netip.Addr, error) { return parseAddrs(c.Firewall.Allow) }

// DenyAddrs parses Firewall.Deny.
func (c *Config) DenyAddrs() ([]netip.Addr, error) { return parseAddrs(c.Firewall.Deny) }

// PolicyValue parses Limiter.Policy.
func (c *Config) PolicyValue() limiter.Policy {
	p, _ := limiter.ParsePolicy(c.Limiter.Policy)
	return p
}

// State returns the host state template described by Info.
func (c *Config) State() host.State {
	return host.State{
		Name:        c.Info.Name,
		Map:         c.Info.Map,
		Folder:      c.Info.Folder,
		Description: c.Info.Description,
		AppID:       c.Info.AppID,
		MaxClients:  c.Info.MaxClients,
		Bots:        c.Info.Bots,
		Password:    c.Info.Password,
		Secure:      c.Info.Secure,
		Version:     c.Info.Version,
		Port:        c.Info.Port,
		SteamID:     c.Info.SteamID,
		Tags:        host.GamemodeTags(c.Info.Gamemode, c.Info.WorkshopID),
	}
}

// Seconds converts a whole-second setting to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a millisecond setting to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Entries parses the roster.
func (p Players) Entries() ([]host.Player, error) {
	players := make([]host.Player, 0, len(p.Roster))
	for _, entry := range p.Roster {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry %q: want name:score:seconds", entry)
		}
		score, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("entry %q: score: %w", entry, err)
		}
		secs, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("entry %q: bad connected time", entry)
		}
		players = append(players, host.Player{
			Name:      parts[0],
			Score:     int32(score),
			Connected: time.Duration(secs * float64(time.Second)),
		})
	}
	return players, nil
}

func parseAddrs(list []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		if !a.Unmap().Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", s)
		}
		addrs = append(addrs, a.Unmap())
	}
	return addrs, nil
}
