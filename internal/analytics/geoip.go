// -------------------------------------------------------------------------------
// GeoIP - MaxMind Database Lookups
//
// Author: Alex Freidah
//
// Resolves visitor addresses to country, region, city, and autonomous system
// using MaxMind GeoLite2/GeoIP2 databases. The City and ASN databases are
// independent and either may be absent. Lookups run only inside the analytics
// durability flush, never on the request path.
// -------------------------------------------------------------------------------

package analytics

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"
)

// GeoInfo is the geographic dimension set for one address. Empty strings and
// ASN 0 mean unknown.
type GeoInfo struct {
	CountryCode string
	Region      string
	City        string
	ASN         uint32
}

// GeoLookup resolves an address to its geo dimensions.
type GeoLookup interface {
	Lookup(ip netip.Addr) (GeoInfo, error)
}

// GeoIPResolver reads MaxMind City and ASN databases.
type GeoIPResolver struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// Compile-time check.
var _ GeoLookup = (*GeoIPResolver)(nil)

// OpenGeoIP opens the databases at the given paths. Either path may be empty
// but not both.
func OpenGeoIP(cityPath, asnPath string) (*GeoIPResolver, error) {
	if cityPath == "" && asnPath == "" {
		return nil, errors.New("no GeoIP database configured")
	}

	r := &GeoIPResolver{}
	if cityPath != "" {
		db, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open GeoIP city database %s: %w", cityPath, err)
		}
		r.city = db
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("failed to open GeoIP ASN database %s: %w", asnPath, err)
		}
		r.asn = db
	}
	return r, nil
}

// Lookup resolves ip. Partial results are returned alongside the first error
// so a failing ASN lookup does not discard a good city match.
func (r *GeoIPResolver) Lookup(ip netip.Addr) (GeoInfo, error) {
	var info GeoInfo
	if !ip.IsValid() {
		return info, errors.New("invalid address")
	}
	netIP := net.IP(ip.AsSlice())

	var errs []error
	if r.city != nil {
		rec, err := r.city.City(netIP)
		if err != nil {
			errs = append(errs, fmt.Errorf("city lookup: %w", err))
		} else {
			info.CountryCode = rec.Country.IsoCode
			if len(rec.Subdivisions) > 0 {
				info.Region = rec.Subdivisions[0].Names["en"]
			}
			info.City = rec.City.Names["en"]
		}
	}
	if r.asn != nil {
		rec, err := r.asn.ASN(netIP)
		if err != nil {
			errs = append(errs, fmt.Errorf("asn lookup: %w", err))
		} else {
			info.ASN = uint32(rec.AutonomousSystemNumber)
		}
	}
	return info, errors.Join(errs...)
}

// Close releases both databases.
func (r *GeoIPResolver) Close() error {
	var errs []error
	if r.city != nil {
		errs = append(errs, r.city.Close())
	}
	if r.asn != nil {
		errs = append(errs, r.asn.Close())
	}
	return errors.Join(errs...)
}
