// Package basket defines basket identities and the converters that map them
// onto sharded storage paths.
package basket

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// Well-known basket types.
const (
	TypeOriginal uint32 = 0
	TypeBitmap   uint32 = 1
)

// Key identifies one revision of a basket.
type Key struct {
	Content  uint64
	Type     uint32
	Revision uint32
}

// ContentType is the revision-less part of a Key.
type ContentType struct {
	Content uint64
	Type    uint32
}

// ParseError reports a malformed basket identity.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid basket %q: %s", e.Input, e.Reason)
}

// New builds a key, rejecting a zero revision.
func New(content uint64, typ, revision uint32) (Key, error) {
	if revision == 0 {
		return Key{}, &ParseError{
			Input:  fmt.Sprintf("%d.%d.%d", content, typ, revision),
			Reason: "revision must be positive",
		}
	}
	return Key{Content: content, Type: typ, Revision: revision}, nil
}

// Parse parses "content.type.revision". Each field is decimal, or hex when
// prefixed with 0x.
func Parse(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Key{}, &ParseError{Input: s, Reason: "expected content.type.revision"}
	}

	content, err := parseField(parts[0], 64)
	if err != nil {
		return Key{}, &ParseError{Input: s, Reason: "content: " + err.Error()}
	}
	typ, err := parseField(parts[1], 32)
	if err != nil {
		return Key{}, &ParseError{Input: s, Reason: "type: " + err.Error()}
	}
	rev, err := parseField(parts[2], 32)
	if err != nil {
		return Key{}, &ParseError{Input: s, Reason: "revision: " + err.Error()}
	}
	if rev == 0 {
		return Key{}, &ParseError{Input: s, Reason: "revision must be positive"}
	}

	return Key{Content: content, Type: uint32(typ), Revision: uint32(rev)}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

func parseField(s string, bits int) (uint64, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	if s == "" {
		return 0, fmt.Errorf("empty field")
	}
	// ParseUint already rejects signs, but give a clearer message.
	if s[0] == '-' || s[0] == '+' {
		return 0, fmt.Errorf("sign not allowed")
	}
	v, err := strconv.ParseUint(s, base, bits)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

// String returns the decimal "content.type.revision" form.
func (k Key) String() string {
	return fmt.Sprintf("%d.%d.%d", k.Content, k.Type, k.Revision)
}

// CT returns the content/type pair of the key.
func (k Key) CT() ContentType {
	return ContentType{Content: k.Content, Type: k.Type}
}

// PreviousRevision returns the key one revision back. ok is false at revision 1.
func (k Key) PreviousRevision() (prev Key, ok bool) {
	if k.Revision <= 1 {
		return Key{}, false
	}
	k.Revision--
	return k, true
}

// NextRevision returns the key one revision forward.
func (k Key) NextRevision() Key {
	k.Revision++
	return k
}

// Compare orders keys by content, then type, then revision.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.Content, o.Content); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Type, o.Type); c != 0 {
		return c
	}
	return cmp.Compare(k.Revision, o.Revision)
}

// MarshalText encodes the key in its decimal form.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts anything Parse accepts.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
