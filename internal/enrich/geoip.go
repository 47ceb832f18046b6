package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP looks up countries in a MaxMind country or city database.
type GeoIP struct {
	db *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open geoip database %s: %w", path, err)
	}
	return &GeoIP{db: db}, nil
}

func (g *GeoIP) Country(ip string) (string, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	rec, err := g.db.Country(addr)
	if err != nil {
		return "", err
	}
	return rec.Country.IsoCode, nil
}

func (g *GeoIP) Close() error {
	return g.db.Close()
}
