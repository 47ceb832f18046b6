// Package enrich resolves reverse DNS, country and base domain for report
// source addresses.
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/net/publicsuffix"

	"github.com/firefart/dmarcpipeline/internal/report"
)

// ReverseResolver returns the PTR names of an address.
type ReverseResolver interface {
	LookupAddr(ctx context.Context, ip string) ([]string, error)
}

// CountryLookup returns the ISO country code of an address.
type CountryLookup interface {
	Country(ip string) (string, error)
}

type Options struct {
	Resolver  ReverseResolver
	Countries CountryLookup
	CacheSize int
	CacheTTL  time.Duration
}

// Enricher combines the lookups. Every lookup fails independently and only
// leaves its own field nil. Results are kept in a bounded TTL cache that is
// safe for concurrent use.
type Enricher struct {
	logger    *slog.Logger
	resolver  ReverseResolver
	countries CountryLookup
	cache     *expirable.LRU[string, report.Source]
}

func New(logger *slog.Logger, opts Options) *Enricher {
	size := opts.CacheSize
	if size <= 0 {
		size = 10000
	}
	return &Enricher{
		logger:    logger,
		resolver:  opts.Resolver,
		countries: opts.Countries,
		cache:     expirable.NewLRU[string, report.Source](size, nil, opts.CacheTTL),
	}
}

func (e *Enricher) Enrich(ctx context.Context, ip string) report.Source {
	if src, ok := e.cache.Get(ip); ok {
		return src
	}

	src := report.Source{IPAddress: ip}
	if e.countries != nil {
		country, err := e.countries.Country(ip)
		if err != nil {
			e.logger.Debug("country lookup failed", slog.String("ip", ip), slog.String("err", err.Error()))
		} else {
			src.Country = report.StringOrNil(country)
		}
	}
	if e.resolver != nil {
		names, err := e.resolver.LookupAddr(ctx, ip)
		if err != nil {
			e.logger.Debug("reverse dns lookup failed", slog.String("ip", ip), slog.String("err", err.Error()))
		} else if len(names) > 0 {
			src.ReverseDNS = report.StringOrNil(names[0])
			src.BaseDomain = BaseDomain(names[0])
		}
	}

	e.cache.Add(ip, src)
	return src
}

// BaseDomain returns the registrable domain of host, or nil when host has
// none (for example a bare public suffix).
func BaseDomain(host string) *string {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return nil
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return nil
	}
	return &d
}
