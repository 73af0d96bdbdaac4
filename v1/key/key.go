// Package key provides the composite keys used to address locks and cached
// values in the shared store.
package key

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Key is a composite value made of a group (an operation name or a cache
// namespace) and zero or more scalar components.
//
// Key is comparable: two keys are == iff their groups and component tuples
// are equal, so it can be used directly as a map key. String returns the
// canonical form used as the store key.
type Key struct {
	group string
	parts string
	n     int
}

// New builds a Key from group and parts.
//
// Integers, floats and bools are rendered verbatim, strings are quoted, other
// values use their fmt.Stringer form (quoted) or their JSON encoding.
func New(group string, parts ...any) Key {
	if len(parts) == 0 {
		return Key{group: group}
	}
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(encode(p))
	}
	return Key{group: group, parts: b.String(), n: len(parts)}
}

// Group returns the group the key belongs to.
func (k Key) Group() string { return k.group }

// Len returns the number of components.
func (k Key) Len() int { return k.n }

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return k == Key{} }

// String returns the canonical store key, e.g. `addBalance:42` or
// `/article/get/all:"go"`. A group containing `:` or `"` is quoted.
func (k Key) String() string {
	g := k.group
	if strings.ContainsAny(g, `:"`) {
		g = strconv.Quote(g)
	}
	if k.n == 0 {
		return g
	}
	return g + ":" + k.parts
}

func encode(p any) string {
	switch v := p.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case fmt.Stringer:
		return strconv.Quote(v.String())
	}
	data, err := json.Marshal(p)
	if err != nil {
		return strconv.Quote(fmt.Sprintf("%v", p))
	}
	return string(data)
}
