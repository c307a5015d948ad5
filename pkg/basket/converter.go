package basket

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encoder maps a key to its storage path and canonical string form.
type Encoder interface {
	Name() string
	Path(baseDir string, k Key) string
	String(k Key) string
}

// Dec40Seq shards by decimal groups of 1000: a/<x>/<yyy>/<zzz>.
type Dec40Seq struct{}

func (Dec40Seq) Name() string { return "Dec40Seq" }

func (d Dec40Seq) Path(baseDir string, k Key) string {
	n := k.Content / 1000
	n, z := n/1000, n%1000
	x, y := n/1000, n%1000
	return fmt.Sprintf("%s/%d/baskets/a/%d/%03d/%03d/%s", baseDir, k.Type, x, y, z, d.String(k))
}

func (Dec40Seq) String(k Key) string {
	return fmt.Sprintf("%d.%d.%d", k.Content, k.Type, k.Revision)
}

// Hex64Seq shards a 64-bit content id into five 12-bit hex groups.
type Hex64Seq struct{}

func (Hex64Seq) Name() string { return "Hex64Seq" }

func (Hex64Seq) Path(baseDir string, k Key) string {
	e := k.Content >> 12
	d := e >> 12
	c := d >> 12
	b := c >> 12
	a := b >> 12
	return fmt.Sprintf("%s/%d/baskets/a/%01x/%03x/%03x/%03x/%03x/%016x.%d.%d",
		baseDir, k.Type, a&0xf, b&0xfff, c&0xfff, d&0xfff, e&0xfff,
		k.Content, k.Type, k.Revision)
}

func (Hex64Seq) String(k Key) string {
	return fmt.Sprintf("0x%016x.%d.%d", k.Content, k.Type, k.Revision)
}

var encoders = map[string]Encoder{
	"Dec40Seq": Dec40Seq{},
	"Hex64Seq": Hex64Seq{},
}

// EncoderByName returns a built-in encoder.
func EncoderByName(name string) (Encoder, bool) {
	e, ok := encoders[name]
	return e, ok
}

// ConfigError reports an invalid converter table.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "converter config: " + e.Reason
}

type typeRange struct {
	min, max uint32
	enc      Encoder
}

// ConverterTable selects an encoder by basket type.
type ConverterTable struct {
	ranges   []typeRange
	fallback Encoder
}

// DefaultConverterTable maps types 0-65535 to Dec40Seq.
func DefaultConverterTable() *ConverterTable {
	t, _ := NewConverterTable(map[string]string{"Dec40Seq": "0-65535"})
	return t
}

// NewConverterTable builds a table from encoder name to a range list such as
// "0-65535,70000". An empty list disables the encoder. Ranges may not overlap.
func NewConverterTable(spec map[string]string) (*ConverterTable, error) {
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	t := &ConverterTable{fallback: Dec40Seq{}}
	for _, name := range names {
		enc, ok := EncoderByName(name)
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("unknown converter %q", name)}
		}
		ranges, err := parseRanges(spec[name])
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("%s: %v", name, err)}
		}
		for _, r := range ranges {
			t.ranges = append(t.ranges, typeRange{min: r[0], max: r[1], enc: enc})
		}
	}

	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].min < t.ranges[j].min })
	for i := 1; i < len(t.ranges); i++ {
		prev, cur := t.ranges[i-1], t.ranges[i]
		if cur.min <= prev.max {
			return nil, &ConfigError{Reason: fmt.Sprintf("%s range %d-%d overlaps %s range %d-%d",
				cur.enc.Name(), cur.min, cur.max, prev.enc.Name(), prev.min, prev.max)}
		}
	}
	return t, nil
}

func parseRanges(s string) ([][2]uint32, error) {
	var out [][2]uint32
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		end := start
		if isRange {
			end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		}
		if end < start {
			return nil, fmt.Errorf("invalid range %q: end before start", part)
		}
		out = append(out, [2]uint32{uint32(start), uint32(end)})
	}
	return out, nil
}

// Lookup returns the encoder whose range covers typ, or the fallback.
func (t *ConverterTable) Lookup(typ uint32) Encoder {
	for _, r := range t.ranges {
		if typ < r.min {
			break
		}
		if typ <= r.max {
			return r.enc
		}
	}
	return t.fallback
}

// Path renders the storage path for k under baseDir.
func (t *ConverterTable) Path(baseDir string, k Key) string {
	return t.Lookup(k.Type).Path(baseDir, k)
}

// String renders the canonical string form of k.
func (t *ConverterTable) String(k Key) string {
	return t.Lookup(k.Type).String(k)
}

// BaseDir recovers the base directory from a full storage path by stripping
// the encoder's relative part. ok is false when path does not end with it.
func (t *ConverterTable) BaseDir(path string, k Key) (string, bool) {
	rel := t.Path("", k)
	if !strings.HasSuffix(path, rel) {
		return "", false
	}
	return strings.TrimSuffix(path, rel), true
}
