package access

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultResolveTTL = 5 * time.Minute

// Resolver resolves host names to addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type resolvedHost struct {
	addresses map[string]struct{}
	expiresAt time.Time
}

// WhitelistConfig configures the login whitelist.
type WhitelistConfig struct {
	Entries    []string
	Resolver   Resolver
	ResolveTTL time.Duration
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// Whitelist matches caller addresses against IPs, CIDR ranges and domain names.
// An empty whitelist allows everyone.
type Whitelist struct {
	entries  []string
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	domains  []string

	resolver Resolver
	ttl      time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]resolvedHost
}

// NewWhitelist parses entries; anything that is neither an IP nor a CIDR is treated as a domain.
func NewWhitelist(cfg WhitelistConfig) *Whitelist {
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ttl := cfg.ResolveTTL
	if ttl <= 0 {
		ttl = defaultResolveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	whitelist := &Whitelist{
		addrs:    make(map[netip.Addr]struct{}),
		resolver: resolver,
		ttl:      ttl,
		clock:    clock,
		logger:   logger,
		cache:    make(map[string]resolvedHost),
	}
	for _, raw := range cfg.Entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		whitelist.entries = append(whitelist.entries, entry)
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			whitelist.prefixes = append(whitelist.prefixes, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			whitelist.addrs[addr.Unmap()] = struct{}{}
			continue
		}
		whitelist.domains = append(whitelist.domains, strings.ToLower(entry))
	}
	return whitelist
}

// Enabled reports whether any entry is configured.
func (w *Whitelist) Enabled() bool {
	return len(w.entries) > 0
}

// Entries returns the configured entries.
func (w *Whitelist) Entries() []string {
	return append([]string(nil), w.entries...)
}

// Allowed reports whether ip may use the admin login.
func (w *Whitelist) Allowed(ctx context.Context, ip string) bool {
	if !w.Enabled() {
		return true
	}
	addr, err := netip.ParseAddr(Normalize(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if _, ok := w.addrs[addr]; ok {
		return true
	}
	for _, prefix := range w.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	canonical := addr.String()
	for _, domain := range w.domains {
		addresses, err := w.resolve(ctx, domain)
		if err != nil {
			w.logger.Warn("whitelist domain resolution failed", zap.String("domain", domain), zap.Error(err))
			continue
		}
		if _, ok := addresses[canonical]; ok {
			return true
		}
	}
	return false
}

func (w *Whitelist) resolve(ctx context.Context, domain string) (map[string]struct{}, error) {
	now := w.clock.Now()
	w.mu.RLock()
	cached, ok := w.cache[domain]
	w.mu.RUnlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.addresses, nil
	}

	value, err, _ := w.group.Do(domain, func() (any, error) {
		hosts, err := w.resolver.LookupHost(ctx, domain)
		if err != nil {
			return nil, err
		}
		addresses := make(map[string]struct{}, len(hosts))
		for _, host := range hosts {
			addresses[Normalize(host)] = struct{}{}
		}
		w.mu.Lock()
		w.cache[domain] = resolvedHost{addresses: addresses, expiresAt: w.clock.Now().Add(w.ttl)}
		w.mu.Unlock()
		return addresses, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]struct{}), nil
}
