package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// maxSegmentLength bounds a single key segment; longer segments (full URLs with
// query strings, JSON values) are replaced by their xxhash digest.
const maxSegmentLength = 128

// defaultKeySerializer joins a namespace and its arguments into a flat key.
// Keys always start with the namespace so the hot layer can drop a whole
// namespace with DeleteByPrefix.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey builds a cache key from a namespace and args.
func (s *defaultKeySerializer) SerializeKey(namespace string, args ...any) string {
	if len(args) == 0 {
		return namespace
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, namespace)
	for _, arg := range args {
		parts = append(parts, s.bound(s.serializeValue(arg)))
	}
	return strings.Join(parts, KeySeparator)
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case fmt.Stringer:
		return val.String()
	case []string:
		return "slice[" + strconv.Itoa(len(val)) + "]:{" + strings.Join(val, ",") + "}"
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + val[k]
		}
		return "map[" + strconv.Itoa(len(pairs)) + "]:{" + strings.Join(pairs, ",") + "}"
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("fallback:%T", v)
	}
	return "json:" + string(data)
}

func (s *defaultKeySerializer) bound(segment string) string {
	if len(segment) <= maxSegmentLength {
		return segment
	}
	return "h:" + strconv.FormatUint(xxhash.Sum64String(segment), 16)
}
