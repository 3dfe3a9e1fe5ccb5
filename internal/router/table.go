// Package router resolves the upstream destination for a request from its JSON body.
package router

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
)

// maxRangeSize bounds how many keys a single range may expand to.
const maxRangeSize = 1 << 20

// ErrDuplicateKey is returned by NewTable when two destinations claim the same key.
var ErrDuplicateKey = errors.New("routing key owned by more than one destination")

// Key is a routing key. Integer and string keys never compare equal,
// so 7750 and "7750" are different keys.
type Key struct {
	value  string
	number bool
}

// IntKey returns the key for an integer routing value.
func IntKey(n int64) Key {
	return Key{value: strconv.FormatInt(n, 10), number: true}
}

// StringKey returns the key for a string routing value.
func StringKey(s string) Key {
	return Key{value: s}
}

// floatKey maps an integral float onto its IntKey; anything else gets a
// number key that cannot collide with an integer key.
func floatKey(raw string, f float64) Key {
	if !math.IsInf(f, 0) && !math.IsNaN(f) && f == math.Trunc(f) &&
		f >= math.MinInt64 && f < math.MaxInt64 {
		return IntKey(int64(f))
	}
	return Key{value: raw, number: true}
}

// IsNumber reports whether k was built from a number.
func (k Key) IsNumber() bool { return k.number }

func (k Key) String() string {
	if k.number {
		return k.value
	}
	return strconv.Quote(k.value)
}

// Range is an inclusive range of integer keys.
type Range struct {
	From int64
	To   int64
}

// Route assigns a set of keys to one destination.
type Route struct {
	Destination string
	Keys        []Key
	Ranges      []Range
}

type compiledRoute struct {
	destination string
	keys        map[Key]struct{}
}

// Table is the static routing table: an ordered list of destinations with
// disjoint key sets plus a default destination. It is immutable once built
// and safe for concurrent use.
type Table struct {
	routes      []compiledRoute
	defaultDest string
}

// NewTable validates the routes and builds a Table.
func NewTable(routes []Route, defaultDest string) (*Table, error) {
	if err := ValidateDestination(defaultDest); err != nil {
		return nil, fmt.Errorf("default destination: %w", err)
	}

	owner := make(map[Key]string)
	t := &Table{defaultDest: defaultDest}

	for i, r := range routes {
		if err := ValidateDestination(r.Destination); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}

		set := make(map[Key]struct{}, len(r.Keys))
		add := func(k Key) error {
			if prev, ok := owner[k]; ok && prev != r.Destination {
				return fmt.Errorf("%w: key %s in %s and %s", ErrDuplicateKey, k, prev, r.Destination)
			}
			owner[k] = r.Destination
			set[k] = struct{}{}
			return nil
		}

		for _, k := range r.Keys {
			if err := add(k); err != nil {
				return nil, err
			}
		}
		for _, rg := range r.Ranges {
			if rg.To < rg.From {
				return nil, fmt.Errorf("route %d: range %d..%d is reversed", i, rg.From, rg.To)
			}
			if uint64(rg.To-rg.From) >= maxRangeSize {
				return nil, fmt.Errorf("route %d: range %d..%d exceeds %d keys", i, rg.From, rg.To, maxRangeSize)
			}
			for n := rg.From; ; n++ {
				if err := add(IntKey(n)); err != nil {
					return nil, err
				}
				if n == rg.To {
					break
				}
			}
		}

		t.routes = append(t.routes, compiledRoute{destination: r.Destination, keys: set})
	}

	return t, nil
}

// Lookup returns the first destination whose key set contains k. When no
// destination owns k it returns the default and matched=false.
func (t *Table) Lookup(k Key) (dest string, matched bool) {
	for _, r := range t.routes {
		if _, ok := r.keys[k]; ok {
			return r.destination, true
		}
	}
	return t.defaultDest, false
}

// Default returns the default destination.
func (t *Table) Default() string { return t.defaultDest }

// Destinations returns the configured destinations in table order.
func (t *Table) Destinations() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.destination)
	}
	return out
}

// KeyCount returns the number of keys owned by dest.
func (t *Table) KeyCount(dest string) int {
	n := 0
	for _, r := range t.routes {
		if r.destination == dest {
			n += len(r.keys)
		}
	}
	return n
}

// Has reports whether dest is the default or one of the table's destinations.
func (t *Table) Has(dest string) bool {
	if dest == t.defaultDest {
		return true
	}
	for _, r := range t.routes {
		if r.destination == dest {
			return true
		}
	}
	return false
}

// ValidateDestination checks that addr is a host:port with a port in 1–65535.
func ValidateDestination(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("destination %q is not host:port: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("destination %q has an empty host", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("destination %q has invalid port %q", addr, port)
	}
	return nil
}
