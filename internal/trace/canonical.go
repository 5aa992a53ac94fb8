package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// hashDomain prefixes trace hashes so they can never collide with
// hashes of other content. The version suffix leaves room for an
// algorithm change.
const hashDomain = "tact/trace/v1"

// hashCanonical computes SHA-256 over the canonical serialization of
// v, with domain separation: SHA256(domain || 0x00 || canonical(v)).
func hashCanonical(v any) (string, error) {
	b, err := marshalCanonical(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MarshalCanonical produces canonical JSON per the RFC 8785 subset the
// trace needs: object keys sorted by UTF-16 code units, strings NFC
// normalized, no HTML escaping, no floats, no null. Anything a trace
// record cannot contain is an error, not a best-effort encoding.
func MarshalCanonical(v any) ([]byte, error) {
	return marshalCanonical(v)
}

func marshalCanonical(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, fmt.Errorf("null is forbidden in canonical trace JSON")
	case string:
		return marshalCanonicalString(val), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case int:
		return fmt.Appendf(nil, "%d", val), nil
	case int64:
		return fmt.Appendf(nil, "%d", val), nil
	case uint32:
		return fmt.Appendf(nil, "%d", val), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are forbidden in canonical trace JSON: %v", val)
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalCanonical(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessUTF16(keys[i], keys[j]) })
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(marshalCanonicalString(k))
			buf.WriteByte(':')
			b, err := marshalCanonical(val[k])
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			buf.Write(b)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported type in canonical trace JSON: %T", v)
	}
}

// marshalCanonicalString NFC-normalizes then escapes only what RFC
// 8785 requires: quote, backslash, and control characters, with the
// short forms for the common controls. No HTML escaping, and U+2028
// and U+2029 stay literal.
func marshalCanonicalString(s string) []byte {
	s = norm.NFC.String(s)
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\t':
			buf = append(buf, '\\', 't')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\f':
			buf = append(buf, '\\', 'f')
		case '\r':
			buf = append(buf, '\\', 'r')
		default:
			if r < 0x20 {
				buf = fmt.Appendf(buf, `\u%04x`, r)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return append(buf, '"')
}

// lessUTF16 orders strings by UTF-16 code units, the sort RFC 8785
// mandates for object keys. It differs from byte order only for
// strings containing supplementary-plane characters.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
