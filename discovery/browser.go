package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"lantransfer/logging"
)

type peerRecord struct {
	device   DeviceInfo
	instance string
	lastSeen time.Time
	misses   int
}

// Browser maintains a live, deduplicated view of peers. Entries are keyed
// by (userID, ip); the local device is tracked for TTL bookkeeping but never
// surfaced to callers.
type Browser struct {
	cfg    Config
	browse browseFunc
	lookup lookupFunc
	logger zerolog.Logger

	mu    sync.Mutex
	peers map[string]*peerRecord

	entries chan *zeroconf.ServiceEntry

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBrowse(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	lookup := cfg.lookupFn
	if browse == nil || lookup == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		if browse == nil {
			browse = resolver.Browse
		}
		if lookup == nil {
			lookup = resolver.Lookup
		}
	}

	return &Browser{
		cfg:     cfg,
		browse:  browse,
		lookup:  lookup,
		logger:  logging.Default(),
		peers:   make(map[string]*peerRecord),
		entries: make(chan *zeroconf.ServiceEntry, 64),
	}, nil
}

// Start begins background browsing and the liveness sweep.
func (b *Browser) Start() error {
	var startErr error
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())

		if err := b.browse(b.ctx, b.cfg.Service, b.cfg.Domain, b.entries); err != nil {
			b.cancel()
			startErr = err
			return
		}

		b.wg.Add(2)
		go b.consumeLoop()
		go b.sweepLoop()
	})
	return startErr
}

// Stop cancels browsing and the sweeper. No callback fires after it returns.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

// Devices returns a snapshot of visible peers, self excluded.
func (b *Browser) Devices() []DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeviceInfo, 0, len(b.peers))
	for _, rec := range b.peers {
		if b.isSelf(rec.device) {
			continue
		}
		out = append(out, rec.device)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Key() < out[j].Key()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (b *Browser) consumeLoop() {
	defer b.wg.Done()

	for {
		select {
		case entry := <-b.entries:
			b.handleEntry(entry)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Browser) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.ctx.Done():
			return
		}
	}
}

// sweep re-queries peers that have gone quiet and removes the ones that
// miss MaxMisses sweeps in a row. The re-query before counting a miss keeps
// transient packet loss from flapping the peer list.
func (b *Browser) sweep() {
	now := b.cfg.Now()

	b.mu.Lock()
	stale := make([]*peerRecord, 0)
	for _, rec := range b.peers {
		if now.Sub(rec.lastSeen) > b.cfg.StaleAfter {
			stale = append(stale, &peerRecord{device: rec.device, instance: rec.instance, lastSeen: rec.lastSeen})
		}
	}
	b.mu.Unlock()

	for _, rec := range stale {
		b.requery(rec.instance)
	}

	if len(stale) == 0 {
		return
	}

	removed := make([]DeviceInfo, 0)
	b.mu.Lock()
	for key, rec := range b.peers {
		if now.Sub(rec.lastSeen) <= b.cfg.StaleAfter {
			continue
		}
		rec.misses++
		if rec.misses >= b.cfg.MaxMisses {
			delete(b.peers, key)
			removed = append(removed, rec.device)
		}
	}
	b.mu.Unlock()

	for _, device := range removed {
		b.logger.Info().Str("user_id", device.UserID).Str("ip", device.IP).Msg("peer offline")
		if !b.isSelf(device) && b.cfg.OnRemoved != nil {
			b.cfg.OnRemoved(device.UserID, device.IP, device.Name)
		}
	}
}

// requery asks the network for one instance's record. A response arrives on
// the shared entries channel and refreshes lastSeen through handleEntry.
func (b *Browser) requery(instance string) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.LookupTimeout)
	defer cancel()

	if err := b.lookup(ctx, instance, b.cfg.Service, b.cfg.Domain, b.entries); err != nil {
		b.logger.Debug().Err(err).Str("instance", instance).Msg("re-query failed")
		return
	}
	<-ctx.Done()
}

func (b *Browser) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}

	device, ok := parseEntry(entry)
	if !ok {
		return
	}

	// TTL 0 is a goodbye; drop the peer immediately.
	if entry.TTL == 0 {
		b.removePeer(device)
		return
	}

	key := device.Key()
	now := b.cfg.Now()

	b.mu.Lock()
	previous, exists := b.peers[key]
	changed := !exists || previous.device != device || previous.instance != entry.Instance
	b.peers[key] = &peerRecord{
		device:   device,
		instance: entry.Instance,
		lastSeen: now,
	}
	b.mu.Unlock()

	if changed && !b.isSelf(device) && b.cfg.OnAdded != nil {
		b.cfg.OnAdded(device)
	}
}

func (b *Browser) removePeer(device DeviceInfo) {
	key := device.Key()

	b.mu.Lock()
	_, exists := b.peers[key]
	delete(b.peers, key)
	b.mu.Unlock()

	if exists && !b.isSelf(device) && b.cfg.OnRemoved != nil {
		b.cfg.OnRemoved(device.UserID, device.IP, device.Name)
	}
}

func (b *Browser) isSelf(device DeviceInfo) bool {
	return device.UserID == b.cfg.UserID && device.IP == b.cfg.LocalIP
}

func parseEntry(entry *zeroconf.ServiceEntry) (DeviceInfo, bool) {
	txt := txtToMap(entry.Text)

	userID := strings.TrimSpace(txt["user_id"])
	if userID == "" {
		return DeviceInfo{}, false
	}

	ip := ""
	for _, addr := range entry.AddrIPv4 {
		if addr != nil {
			ip = addr.String()
			break
		}
	}
	if ip == "" {
		for _, addr := range entry.AddrIPv6 {
			if addr != nil {
				ip = addr.String()
				break
			}
		}
	}
	if ip == "" {
		return DeviceInfo{}, false
	}

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = "Unknown"
	}

	return DeviceInfo{
		Name:          name,
		UserID:        userID,
		IP:            ip,
		Port:          entry.Port,
		AvatarURL:     strings.TrimSpace(txt["avatar_url"]),
		DeviceName:    strings.TrimSpace(txt["device_name"]),
		GroupID:       strings.TrimSpace(txt["group_id"]),
		DiscoverScope: normalizeScope(Scope(strings.TrimSpace(txt["discover_scope"]))),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
