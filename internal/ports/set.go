package ports

import (
	"encoding/json"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Set is an immutable, sorted collection of open port records keyed by
// (protocol, port). The zero value is an empty set.
type Set struct {
	records []Record
}

// Empty is the empty set.
var Empty = Set{}

// Of builds a set from records. Non-open records are dropped and later
// records replace earlier ones with the same key.
func Of(records ...Record) Set {
	b := NewBuilder(len(records))
	for _, r := range records {
		b.Add(r)
	}
	return b.Set()
}

// Len returns the number of records.
func (s Set) Len() int { return len(s.records) }

// IsEmpty reports whether the set holds no records.
func (s Set) IsEmpty() bool { return len(s.records) == 0 }

// Records returns a copy of the records in ascending key order.
func (s Set) Records() []Record {
	return slices.Clone(s.records)
}

// Keys returns the keys in ascending order.
func (s Set) Keys() []Key {
	keys := make([]Key, len(s.records))
	for i, r := range s.records {
		keys[i] = r.Key
	}
	return keys
}

// Get returns the record for k.
func (s Set) Get(k Key) (Record, bool) {
	i := sort.Search(len(s.records), func(i int) bool { return !s.records[i].Key.Less(k) })
	if i < len(s.records) && s.records[i].Key == k {
		return s.records[i], true
	}
	return Record{}, false
}

// Contains reports whether k is in the set.
func (s Set) Contains(k Key) bool {
	_, ok := s.Get(k)
	return ok
}

// Difference returns the records of s whose key is absent from o.
// Provenance of s is preserved.
func (s Set) Difference(o Set) Set {
	out := make([]Record, 0, len(s.records))
	i, j := 0, 0
	for i < len(s.records) {
		switch {
		case j >= len(o.records) || s.records[i].Key.Less(o.records[j].Key):
			out = append(out, s.records[i])
			i++
		case s.records[i].Key == o.records[j].Key:
			i++
			j++
		default:
			j++
		}
	}
	return Set{records: out}
}

// Union returns every key present in either set. On collision the record
// from s wins, so the earlier pass keeps provenance.
func (s Set) Union(o Set) Set {
	out := make([]Record, 0, len(s.records)+len(o.records))
	i, j := 0, 0
	for i < len(s.records) || j < len(o.records) {
		switch {
		case j >= len(o.records):
			out = append(out, s.records[i])
			i++
		case i >= len(s.records):
			out = append(out, o.records[j])
			j++
		case s.records[i].Key == o.records[j].Key:
			out = append(out, s.records[i])
			i++
			j++
		case s.records[i].Key.Less(o.records[j].Key):
			out = append(out, s.records[i])
			i++
		default:
			out = append(out, o.records[j])
			j++
		}
	}
	return Set{records: out}
}

// Filter returns the records of protocol p.
func (s Set) Filter(p Protocol) Set {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Protocol == p {
			out = append(out, r)
		}
	}
	return Set{records: out}
}

// Equal reports whether both sets hold the same keys.
func (s Set) Equal(o Set) bool {
	if len(s.records) != len(o.records) {
		return false
	}
	for i := range s.records {
		if s.records[i].Key != o.records[i].Key {
			return false
		}
	}
	return true
}

// Spec renders the port numbers as a comma-separated list, e.g. "22,80,443".
// Protocols are not distinguished, so callers filter first when mixing them.
func (s Set) Spec() string {
	parts := make([]string, len(s.records))
	for i, r := range s.records {
		parts[i] = strconv.Itoa(int(r.Port))
	}
	return strings.Join(parts, ",")
}

func (s Set) String() string {
	parts := make([]string, len(s.records))
	for i, r := range s.records {
		parts[i] = r.Key.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// MarshalJSON encodes the set as an ordered array of records.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.records == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.records)
}

// UnmarshalJSON decodes an array of records.
func (s *Set) UnmarshalJSON(b []byte) error {
	var records []Record
	if err := json.Unmarshal(b, &records); err != nil {
		return err
	}
	*s = Of(records...)
	return nil
}

// Builder accumulates probe records into a Set. A Builder is not safe for
// concurrent use; the probe engine gives each strategy its own.
type Builder struct {
	m map[Key]Record
}

// NewBuilder returns a builder sized for n records.
func NewBuilder(n int) *Builder {
	return &Builder{m: make(map[Key]Record, n)}
}

// Add records the latest known state of r.Key. Non-open states remove it.
func (b *Builder) Add(r Record) {
	if r.State != Open {
		delete(b.m, r.Key)
		return
	}
	b.m[r.Key] = r
}

// Len returns the number of open records accumulated so far.
func (b *Builder) Len() int { return len(b.m) }

// Set returns the sorted immutable set. The builder stays usable.
func (b *Builder) Set() Set {
	if len(b.m) == 0 {
		return Set{}
	}
	records := make([]Record, 0, len(b.m))
	for _, r := range b.m {
		records = append(records, r)
	}
	slices.SortFunc(records, func(a, b Record) int {
		switch {
		case a.Key.Less(b.Key):
			return -1
		case b.Key.Less(a.Key):
			return 1
		}
		return 0
	})
	return Set{records: records}
}
