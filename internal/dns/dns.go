package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
)

// ErrNoNameserver is returned when a resolver was built without nameservers.
var ErrNoNameserver = errors.New("no nameserver configured")

// CachedResolver performs PTR lookups against a fixed set of nameservers and
// caches the results so repeated report records do not hammer the DNS
// server. Failed lookups are cached as empty results.
type CachedResolver struct {
	client      *dns.Client
	nameservers []string
	cache       *expirable.LRU[string, []string]
	logger      *slog.Logger
}

// NewCachedResolver builds a resolver. Nameservers without a port use 53.
func NewCachedResolver(logger *slog.Logger, nameservers []string, timeout, cacheTTL time.Duration, cacheSize int) *CachedResolver {
	servers := make([]string, 0, len(nameservers))
	for _, s := range nameservers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}
	return &CachedResolver{
		client:      &dns.Client{Net: "udp", Timeout: timeout},
		nameservers: servers,
		cache:       expirable.NewLRU[string, []string](cacheSize, nil, cacheTTL),
		logger:      logger,
	}
}

// LookupAddr returns the PTR names of ip without their trailing dot.
func (r *CachedResolver) LookupAddr(ctx context.Context, ip string) ([]string, error) {
	r.logger.Debug("resolving", slog.String("ip", ip))
	if val := r.getCacheEntry(ip); val != nil {
		return val, nil
	}

	domains, err := r.lookup(ctx, ip)
	if err != nil {
		// store dummy entry so we do not reresolve the ip
		r.updateCache(ip, []string{})
		return nil, err
	}
	r.updateCache(ip, domains)
	return domains, nil
}

func (r *CachedResolver) lookup(ctx context.Context, ip string) ([]string, error) {
	if len(r.nameservers) == 0 {
		return nil, ErrNoNameserver
	}
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)

	var lastErr error
	for _, server := range r.nameservers {
		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			r.logger.Debug("nameserver failed", slog.String("server", server), slog.String("err", err.Error()))
			lastErr = err
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return []string{}, nil
		default:
			lastErr = fmt.Errorf("%s answered %s for %s", server, dns.RcodeToString[in.Rcode], arpa)
			continue
		}
		domains := []string{}
		for _, rr := range in.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				domains = append(domains, strings.TrimSuffix(ptr.Ptr, "."))
			}
		}
		return domains, nil
	}
	return nil, fmt.Errorf("could not resolve %s: %w", ip, lastErr)
}

func (r *CachedResolver) updateCache(ip string, domains []string) {
	r.cache.Add(ip, domains)
}

func (r *CachedResolver) getCacheEntry(ip string) []string {
	val, ok := r.cache.Get(ip)
	if !ok {
		return nil
	}
	return val
}
