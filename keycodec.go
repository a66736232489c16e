package memcache

import "strings"

// MaxKeyLength is the longest key a node accepts, measured after the
// namespace prefix and escaping are applied.
const MaxKeyLength = 250

// NamespaceSeparator joins a namespace and a logical key.
const NamespaceSeparator = ":"

// EscapeKey rewrites the characters the text protocol treats as
// delimiters into two-byte sequences. UnescapeKey is its exact inverse.
func EscapeKey(key string) string {
	if !needsEscape(key) {
		return key
	}

	var b strings.Builder
	b.Grow(len(key) + 8)
	for i := 0; i < len(key); i++ {
		switch c := key[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case ' ':
			b.WriteString(`\s`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\v':
			b.WriteString(`\v`)
		case '\f':
			b.WriteString(`\f`)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func needsEscape(key string) bool {
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '\\', ' ', '\t', '\n', '\r', '\v', '\f':
			return true
		}
	}
	return false
}

// UnescapeKey reverses EscapeKey. A trailing lone backslash or an unknown
// designator is kept verbatim.
func UnescapeKey(key string) string {
	if strings.IndexByte(key, '\\') < 0 {
		return key
	}

	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c != '\\' || i+1 == len(key) {
			b.WriteByte(c)
			continue
		}
		i++
		switch key[i] {
		case '\\':
			b.WriteByte('\\')
		case 's':
			b.WriteByte(' ')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'v':
			b.WriteByte('\v')
		case 'f':
			b.WriteByte('\f')
		default:
			b.WriteByte('\\')
			b.WriteByte(key[i])
		}
	}
	return b.String()
}

// QualifyKey prefixes key with namespace. An empty namespace leaves the key
// untouched.
func QualifyKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + NamespaceSeparator + key
}

// StripNamespace removes the namespace prefix added by QualifyKey.
func StripNamespace(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return strings.TrimPrefix(key, namespace+NamespaceSeparator)
}

// ValidateKey checks a wire key: non-empty, at most MaxKeyLength bytes,
// no whitespace or control characters left after escaping.
func ValidateKey(key string) error {
	if key == "" {
		return invalidKey(key, "empty")
	}
	if len(key) > MaxKeyLength {
		return invalidKey(key, "longer than 250 bytes")
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return invalidKey(key, "contains whitespace or control characters")
		}
	}
	return nil
}

// EncodeKey builds the wire form of a logical key: namespace prefix,
// escaping, then validation.
func EncodeKey(namespace, key string) (string, error) {
	if key == "" {
		return "", invalidKey(key, "empty")
	}
	wire := EscapeKey(QualifyKey(namespace, key))
	if err := ValidateKey(wire); err != nil {
		return "", err
	}
	return wire, nil
}

// DecodeKey maps a wire key from a multi-key response back to the
// caller's logical key.
func DecodeKey(namespace, wire string) string {
	return StripNamespace(namespace, UnescapeKey(wire))
}
