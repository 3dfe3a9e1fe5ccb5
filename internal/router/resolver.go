package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const jsonMediaType = "application/json"

// Resolution errors. All of them are request validation failures.
var (
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrMissingRoutingField    = errors.New("routing field not found in request json body")
	ErrInvalidBody            = errors.New("request body is not a json object")
	ErrInvalidRoutingKey      = errors.New("invalid routing key")
)

// Decision is the outcome of resolving one request.
type Decision struct {
	Destination string
	Key         Key
	// Matched is false when the default destination was chosen.
	Matched bool
}

// Resolver picks an upstream destination from a request body.
type Resolver interface {
	Resolve(body []byte, contentType string) (Decision, error)
}

// FieldResolver looks a body field up in the routing table.
type FieldResolver struct {
	table *Table
	field string
}

var _ Resolver = (*FieldResolver)(nil)

// NewFieldResolver returns a resolver keyed by the given JSON field, e.g. "terminal_id".
func NewFieldResolver(table *Table, field string) *FieldResolver {
	return &FieldResolver{table: table, field: field}
}

// Resolve extracts the routing field and returns the destination owning it,
// or the table default when no destination does.
func (r *FieldResolver) Resolve(body []byte, contentType string) (Decision, error) {
	obj, err := decodeObject(body, contentType)
	if err != nil {
		return Decision{}, err
	}

	raw, ok := obj[r.field]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrMissingRoutingField, r.field)
	}

	key, matchable, err := keyOf(raw)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", r.field, err)
	}
	if !matchable {
		return Decision{Destination: r.table.Default()}, nil
	}

	dest, matched := r.table.Lookup(key)
	return Decision{Destination: dest, Key: key, Matched: matched}, nil
}

// PortResolver reads an explicit port from the body and routes to host:port
// when that address is one of the table's destinations.
type PortResolver struct {
	table *Table
	field string
	host  string
}

var _ Resolver = (*PortResolver)(nil)

// NewPortResolver returns a resolver keyed by a port field. Ports that do not
// name a configured destination on host fall back to the table default.
func NewPortResolver(table *Table, field, host string) *PortResolver {
	return &PortResolver{table: table, field: field, host: host}
}

func (r *PortResolver) Resolve(body []byte, contentType string) (Decision, error) {
	obj, err := decodeObject(body, contentType)
	if err != nil {
		return Decision{}, err
	}

	raw, ok := obj[r.field]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrMissingRoutingField, r.field)
	}

	key, matchable, err := keyOf(raw)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", r.field, err)
	}
	if !matchable || !key.IsNumber() {
		return Decision{}, fmt.Errorf("%w: %s must be an integer port", ErrInvalidRoutingKey, r.field)
	}
	port, err := strconv.Atoi(key.value)
	if err != nil || port < 1 || port > 65535 {
		return Decision{}, fmt.Errorf("%w: port %s out of range", ErrInvalidRoutingKey, key)
	}

	dest := net.JoinHostPort(r.host, strconv.Itoa(port))
	if !r.table.Has(dest) {
		return Decision{Destination: r.table.Default(), Key: key}, nil
	}
	return Decision{Destination: dest, Key: key, Matched: true}, nil
}

// decodeObject checks the content type and decodes body as a JSON object,
// keeping numbers exact.
func decodeObject(body []byte, contentType string) (map[string]any, error) {
	if contentType == "" {
		return nil, fmt.Errorf("%w: Content-Type header not found", ErrUnsupportedContentType)
	}
	if contentType != jsonMediaType {
		return nil, fmt.Errorf("%w: Content-Type should be %s, got %q", ErrUnsupportedContentType, jsonMediaType, contentType)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: got null", ErrInvalidBody)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidBody)
	}
	return obj, nil
}

// keyOf converts a decoded JSON value into a routing key. Null and booleans
// are valid but never match; objects and arrays are rejected.
func keyOf(v any) (Key, bool, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return IntKey(n), true, nil
		}
		f, err := x.Float64()
		if err != nil {
			return Key{value: x.String(), number: true}, true, nil
		}
		return floatKey(x.String(), f), true, nil
	case string:
		return StringKey(x), true, nil
	case nil, bool:
		return Key{}, false, nil
	default:
		return Key{}, false, fmt.Errorf("%w: %T", ErrInvalidRoutingKey, v)
	}
}
