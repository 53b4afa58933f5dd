package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"lantransfer/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_aiperf-transfer._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultSweepInterval is how often the browser checks peer liveness.
	DefaultSweepInterval = 5 * time.Second
	// DefaultStaleAfter is the silence age that triggers an active re-query.
	DefaultStaleAfter = 15 * time.Second
	// DefaultMaxMisses is the consecutive re-query misses before removal.
	DefaultMaxMisses = 2
	// DefaultLookupTimeout bounds each active re-query.
	DefaultLookupTimeout = 2 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
type lookupFunc func(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls announcing and browsing behavior.
type Config struct {
	Service string
	Domain  string

	// Local identity. UserID plus LocalIP form the self key that browsing
	// must never surface.
	UserID     string
	UserName   string
	AvatarURL  string
	DeviceName string
	GroupID    string
	LocalIP    string
	Port       int

	DiscoverScope Scope

	SweepInterval time.Duration
	StaleAfter    time.Duration
	LookupTimeout time.Duration
	MaxMisses     int

	// OnAdded fires when a peer appears or its metadata changes. OnRemoved
	// fires exactly once when a peer is declared offline. Both are invoked
	// on internal goroutines; route them through an event bridge when the
	// consumer needs single-threaded delivery.
	OnAdded   func(DeviceInfo)
	OnRemoved func(userID, ip, name string)

	// Now is the clock; tests replace it.
	Now func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
	lookupFn   lookupFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = DefaultLookupTimeout
	}
	if out.MaxMisses <= 0 {
		out.MaxMisses = DefaultMaxMisses
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	out.DiscoverScope = normalizeScope(out.DiscoverScope)
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user ID is required")
	}
	if strings.TrimSpace(c.UserName) == "" {
		return errors.New("user name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

func (c Config) validateForBrowse() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user ID is required")
	}
	return nil
}

// Announcer publishes the local device record via mDNS.
type Announcer struct {
	cfg      Config
	register registerFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	server   *zeroconf.Server
	scope    Scope
	instance string
}

// NewAnnouncer creates an announcer with config defaults applied. It does
// not publish until Announce is called.
func NewAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	return &Announcer{
		cfg:      cfg,
		register: cfg.registerFn,
		logger:   logging.Default(),
		scope:    ScopeNone,
		instance: instanceName(cfg),
	}, nil
}

// Announce publishes the local record with the given scope. Re-announcing
// with a different scope unpublishes the old record first; a partial TXT
// update is never visible. ScopeNone unpublishes and returns.
func (a *Announcer) Announce(scope Scope) error {
	scope = normalizeScope(scope)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.scope = scope

	if scope == ScopeNone {
		a.logger.Info().Str("instance", a.instance).Msg("discovery record unpublished")
		return nil
	}

	server, err := a.register(a.instance, a.cfg.Service, a.cfg.Domain, a.cfg.Port, buildTXT(a.cfg, scope), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server

	a.logger.Info().
		Str("instance", a.instance).
		Str("scope", string(scope)).
		Int("port", a.cfg.Port).
		Msg("discovery record published")
	return nil
}

// Scope returns the currently announced scope.
func (a *Announcer) Scope() Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scope
}

// Instance returns the announced instance name.
func (a *Announcer) Instance() string {
	return a.instance
}

// Stop unpublishes the local record.
func (a *Announcer) Stop() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	a.scope = ScopeNone
}

func buildTXT(cfg Config, scope Scope) []string {
	txt := []string{
		"name=" + cfg.UserName,
		"user_id=" + cfg.UserID,
	}
	if cfg.AvatarURL != "" {
		txt = append(txt, "avatar_url="+cfg.AvatarURL)
	}
	if cfg.DeviceName != "" {
		txt = append(txt, "device_name="+cfg.DeviceName)
	}
	if cfg.GroupID != "" {
		txt = append(txt, "group_id="+cfg.GroupID)
	}
	txt = append(txt, "discover_scope="+string(scope))
	return txt
}

// instanceName builds a per-(user, host, ip) unique instance name so the
// same account announced from two devices never collides.
func instanceName(cfg Config) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "device"
	}
	ip := cfg.LocalIP
	if ip == "" {
		ip = "0-0-0-0"
	}
	name := fmt.Sprintf("aiperf-%s-%s-%s", cfg.UserID, host, ip)
	return sanitizeInstance(name)
}

func sanitizeInstance(name string) string {
	replacer := strings.NewReplacer(".", "-", " ", "-")
	return replacer.Replace(name)
}
