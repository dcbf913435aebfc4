// queryguard shields a game server's A2S query port: it filters, rate
// limits and answers info and player queries on the public socket, and
// relays everything else to the real server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mojo333/queryguard/internal/config"
	"github.com/mojo333/queryguard/internal/host"
	"github.com/mojo333/queryguard/internal/logger"
	"github.com/mojo333/queryguard/internal/netfilter"
	"github.com/mojo333/queryguard/internal/netifaces"
	"github.com/mojo333/queryguard/internal/relay"
	"github.com/mojo333/queryguard/internal/sock"
)

const version = "0.1.0"

// statsInterval is how often counters are written to the log.
const statsInterval = time.Minute

// secretFlags have their values masked when the command line is logged.
var secretFlags = map[string]bool{"password": true}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Configuration file (.yaml, .yml, .ini, .conf).")
	listen := flag.String("listen", "", "Public query address in A.B.C.D:PORT format.")
	iface := flag.String("interface", "", "Listen on this interface, address or CIDR block instead of the -listen address.")
	upstream := flag.String("upstream", "", "Game server address in A.B.C.D:PORT format.")
	ttl := flag.Int("ttl", 0, "Set TTL on outbound packets (1-255).")
	password := flag.String("password", "", "Server join password. Marks the server as locked in info replies.")
	foreground := flag.Bool("foreground", false, "Do not background, log to stdout.")
	logfile := flag.String("logfile", "", "Save logs to this file.")
	monitor := flag.String("monitor", "", "Record lifecycle events and warnings to this file.")
	verbose := flag.Bool("verbose", false, "Enable verbose output.")
	debug := flag.Bool("debug", false, "Also log per-packet decisions such as firewalled sources.")
	showVersion := flag.Bool("version", false, "Print the version and exit.")
	flag.Parse()

	if *showVersion {
		fmt.Println("queryguard", version)
		return 0
	}
	if flag.NArg() > 0 {
		fmt.Printf("Unexpected arguments: %s\n", strings.Join(flag.Args(), " "))
		return 1
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Println(err)
			return 1
		}
	}
	overrides := flagOverrides{
		listen:   *listen,
		upstream: *upstream,
		ttl:      *ttl,
		password: *password,
	}
	if err := overrides.apply(cfg); err != nil {
		fmt.Println(err)
		return 1
	}

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		fmt.Printf("Invalid listen address %q: %s\n", cfg.Server.Listen, err)
		return 1
	}
	if *iface != "" {
		if listenAddr, err = netifaces.ResolveListen(*iface, listenAddr.Port()); err != nil {
			fmt.Println(err)
			return 1
		}
	}
	upstreamAddr, _ := cfg.UpstreamAddr()

	if !*foreground {
		// Go does not fork; detach stdin and leave supervision to systemd.
		os.Stdin.Close()
	}

	log, err := openLogger(logOptions{
		foreground: *foreground,
		logfile:    *logfile,
		monitor:    *monitor,
		verbose:    *verbose,
		debug:      *debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %s\n", err)
		return 1
	}
	defer log.Close()
	log.Monitor("Starting queryguard %s %s", version, formatArgs())

	front, err := sock.Open(listenAddr)
	if err != nil {
		log.Error("Cannot listen on %s: %s", listenAddr, err)
		return 1
	}
	defer front.Close()
	if cfg.Server.TTL > 0 {
		if err := front.SetTTL(cfg.Server.TTL); err != nil {
			log.Warning("Cannot set TTL %d: %s", cfg.Server.TTL, err)
		}
	}

	srv := host.NewStatic(front.Fd(), cfg.State(), cfg.Info.SteamInf)

	filter, err := netfilter.New(netfilter.Config{
		Host:           srv,
		Logger:         log,
		QueueCapacity:  cfg.Filter.QueueCapacity,
		SampleCapacity: cfg.Filter.SampleCapacity,
		PollInterval:   config.Millis(cfg.Filter.PollMillis),
	})
	if err != nil {
		log.Error("Cannot attach filter: %s", err)
		return 1
	}
	defer filter.Close()

	if err := applySettings(filter, cfg); err != nil {
		log.Error("%s", err)
		return 1
	}

	r, err := relay.New(relay.Config{
		Source:        filter,
		Front:         front,
		Upstream:      upstreamAddr,
		IdleTimeout:   config.Seconds(cfg.Server.IdleTimeout),
		FrameInterval: config.Millis(cfg.Server.FrameMillis),
		TTL:           cfg.Server.TTL,
		Logger:        log,
	})
	if err != nil {
		log.Error("Error initializing relay: %s", err)
		return 1
	}
	srv.SetClients(r.NumClients)

	log.Info("Guarding %s for %s in %s mode", listenAddr, upstreamAddr, filter.Mode())

	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reportStats(ctx, log, filter, r)

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Relay error: %s", err)
		return 1
	}
	log.Monitor("Stopping queryguard")
	return 0
}

type logOptions struct {
	foreground bool
	logfile    string
	monitor    string
	verbose    bool
	debug      bool
}

func openLogger(o logOptions) (*logger.Logger, error) {
	log, err := logger.New(o.foreground, o.logfile, o.verbose || o.debug)
	if err != nil {
		return nil, err
	}
	if o.debug {
		log.SetDebug(true)
	}
	if o.monitor != "" {
		if err := log.SetMonitor(o.monitor); err != nil {
			log.Close()
			return nil, err
		}
	}
	return log, nil
}

// flagOverrides carries command line values that take precedence over the
// configuration file.
type flagOverrides struct {
	listen   string
	upstream string
	ttl      int
	password string
}

func (o flagOverrides) apply(cfg *config.Config) error {
	if o.listen != "" {
		cfg.Server.Listen = o.listen
	}
	if o.upstream != "" {
		cfg.Server.Upstream = o.upstream
	}
	if o.ttl != 0 {
		cfg.Server.TTL = o.ttl
	}
	if o.password != "" {
		cfg.Info.Password = true
	}
	return cfg.Validate()
}

// applySettings pushes the configuration through the filter's control
// plane. The mode flags go last so interception starts fully configured.
func applySettings(f *netfilter.Filter, cfg *config.Config) error {
	allow, err := cfg.AllowAddrs()
	if err != nil {
		return err
	}
	for _, a := range allow {
		if err := f.AddWhitelist(a); err != nil {
			return err
		}
	}
	deny, err := cfg.DenyAddrs()
	if err != nil {
		return err
	}
	for _, a := range deny {
		if err := f.AddBlacklist(a); err != nil {
			return err
		}
	}

	f.SetLimiterWindow(cfg.Limiter.Window)
	f.SetLimiterThreshold(cfg.Limiter.Threshold)
	f.SetGlobalThreshold(cfg.Limiter.Global)
	f.SetLimiterPolicy(cfg.PolicyValue())
	f.EnableLimiter(cfg.Limiter.Enabled)

	f.SetInfoCacheTTL(config.Seconds(cfg.Cache.InfoTTL))
	f.EnableInfoCache(cfg.Cache.Info)
	f.SetPlayerCacheTTL(config.Seconds(cfg.Cache.PlayersTTL))
	f.EnablePlayerCache(cfg.Cache.Players)

	f.SetMapDetection(cfg.Info.MapDetection)
	if cfg.Info.MapName != "" {
		f.SetMapName(cfg.Info.MapName)
	}
	f.SetVisibleMaxClients(cfg.Info.VisibleMaxClients)

	roster, err := cfg.Players.Entries()
	if err != nil {
		return err
	}
	f.SetPlayerCount(cfg.Players.Count)
	for _, p := range roster {
		f.AddPlayer(p.Name, p.Score, p.Connected)
	}
	f.EnablePlayerSpoofing(cfg.Players.Spoof)

	f.EnableSampling(cfg.Filter.Sampling)
	f.EnableValidation(cfg.Filter.Validation)
	f.EnableWhitelist(cfg.Firewall.Whitelist)
	f.EnableBlacklist(cfg.Firewall.Blacklist)
	f.EnableQueue(cfg.Filter.Queue)
	return nil
}

func reportStats(ctx context.Context, log *logger.Logger, f *netfilter.Filter, r *relay.Relay) {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := f.Stats()
			log.Info("mode=%s received=%d passed=%d firewalled=%d rejected=%d limited=%d info=%d players=%d clients=%d forwarded=%d returned=%d",
				f.Mode(), s.Received, s.Passed, s.Firewalled, s.Rejected, s.RateLimited,
				s.InfoReplies, s.PlayerReplies, r.NumClients(), r.Forwarded(), r.Returned())
		}
	}
}

// formatArgs renders the command line for the monitor log with secret
// values masked.
func formatArgs() string {
	args := os.Args[1:]
	out := make([]string, 0, len(args))
	maskNext := false
	for _, a := range args {
		if maskNext {
			out = append(out, "****")
			maskNext = false
			continue
		}
		name := strings.TrimLeft(a, "-")
		if name != a {
			if k, _, found := strings.Cut(name, "="); found && secretFlags[k] {
				out = append(out, a[:len(a)-len(name)]+k+"=****")
				continue
			}
			maskNext = secretFlags[name]
		}
		out = append(out, a)
	}
	return strings.Join(out, " ")
}
