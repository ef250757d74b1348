// Package timezone validates user-supplied timezone strings.
//
// Input is either an IANA zone name ("America/Bogota") or a common city alias
// ("Caracas", "bogotá"). Resolve never falls back to a default zone; picking a
// fallback is the caller's decision.
package timezone

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var ErrInvalidTimezone = errors.New("invalid timezone")

// DefaultAliases is the built-in city table used when config provides none.
var DefaultAliases = map[string]string{
	"caracas":          "America/Caracas",
	"bogota":           "America/Bogota",
	"lima":             "America/Lima",
	"quito":            "America/Guayaquil",
	"santiago":         "America/Santiago",
	"buenos aires":     "America/Argentina/Buenos_Aires",
	"mexico city":      "America/Mexico_City",
	"ciudad de mexico": "America/Mexico_City",
	"panama":           "America/Panama",
	"madrid":           "Europe/Madrid",
	"lisbon":           "Europe/Lisbon",
	"lisboa":           "Europe/Lisbon",
	"paris":            "Europe/Paris",
	"london":           "Europe/London",
	"berlin":           "Europe/Berlin",
	"rome":             "Europe/Rome",
	"roma":             "Europe/Rome",
}

// Resolver maps timezone input to a canonical IANA zone.
// It is safe for concurrent use; the alias table can be swapped at runtime.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[string]string
}

// NewResolver builds a resolver over aliases (city -> IANA zone). A nil map
// selects DefaultAliases. Alias targets are validated eagerly.
func NewResolver(aliases map[string]string) (*Resolver, error) {
	r := &Resolver{}
	if err := r.SetAliases(aliases); err != nil {
		return nil, err
	}
	return r, nil
}

// SetAliases replaces the alias table. The previous table is kept on error.
func (r *Resolver) SetAliases(aliases map[string]string) error {
	if aliases == nil {
		aliases = DefaultAliases
	}
	next := make(map[string]string, len(aliases))
	for city, zone := range aliases {
		loc, err := time.LoadLocation(strings.TrimSpace(zone))
		if err != nil {
			return fmt.Errorf("%w: alias %q -> %q: %v", ErrInvalidTimezone, city, zone, err)
		}
		next[foldKey(city)] = loc.String()
	}
	r.mu.Lock()
	r.aliases = next
	r.mu.Unlock()
	return nil
}

// Resolve returns the canonical IANA zone name for input.
func (r *Resolver) Resolve(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTimezone)
	}

	r.mu.RLock()
	zone, ok := r.aliases[foldKey(s)]
	r.mu.RUnlock()
	if ok {
		return zone, nil
	}

	// "Local" is a valid LoadLocation name but means the server zone,
	// which is exactly what callers must not end up with.
	if strings.EqualFold(s, "local") {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimezone, input)
	}
	loc, err := time.LoadLocation(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimezone, input)
	}
	return loc.String(), nil
}

// Location is Resolve followed by time.LoadLocation.
func (r *Resolver) Location(input string) (*time.Location, error) {
	zone, err := r.Resolve(input)
	if err != nil {
		return nil, err
	}
	return time.LoadLocation(zone)
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldKey lowercases, strips accents and collapses whitespace/underscores so
// "Bogotá", "BOGOTA" and "mexico_city" match their table entries.
func foldKey(s string) string {
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	return strings.Join(strings.Fields(s), " ")
}
