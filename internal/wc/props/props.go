// Package props implements typed property bags and the per-property 3-way
// merge used when incoming property changes land on locally modified nodes.
package props

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Bag maps property names to byte-string values. Nil values never appear in
// a bag; absence of a key means the property is unset.
type Bag map[string][]byte

// Clone returns an independent copy of the bag.
func (b Bag) Clone() Bag {
	if b == nil {
		return nil
	}
	out := make(Bag, len(b))
	for k, v := range b {
		out[k] = bytes.Clone(v)
	}
	return out
}

// Equal reports whether two bags hold identical name/value sets.
func (b Bag) Equal(other Bag) bool {
	if len(b) != len(other) {
		return false
	}
	for k, v := range b {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Names returns the property names in lexicographic order.
func (b Bag) Names() []string {
	names := make([]string, 0, len(b))
	for k := range b {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Marshal encodes the bag as a deterministic length-prefixed name/value list,
// sorted by name, so identical bags always produce identical bytes.
func (b Bag) Marshal() []byte {
	var buf bytes.Buffer
	for _, name := range b.Names() {
		writeChunk(&buf, []byte(name))
		writeChunk(&buf, b[name])
	}
	return buf.Bytes()
}

// Unmarshal decodes bytes produced by Marshal. A nil or empty input yields
// an empty bag.
func Unmarshal(data []byte) (Bag, error) {
	bag := make(Bag)
	for len(data) > 0 {
		name, rest, err := readChunk(data)
		if err != nil {
			return nil, fmt.Errorf("decode property name: %w", err)
		}
		value, rest, err := readChunk(rest)
		if err != nil {
			return nil, fmt.Errorf("decode property %q: %w", name, err)
		}
		bag[string(name)] = value
		data = rest
	}
	return bag, nil
}

func writeChunk(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

func readChunk(data []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, fmt.Errorf("bad length prefix")
	}
	data = data[n:]
	if uint64(len(data)) < l {
		return nil, nil, fmt.Errorf("truncated value: want %d bytes, have %d", l, len(data))
	}
	return bytes.Clone(data[:l]), data[l:], nil
}

// Change is a single buffered property change. A nil Value deletes the
// property.
type Change struct {
	Name  string
	Value []byte
}

// Apply returns a copy of base with the changes folded in.
func Apply(base Bag, changes []Change) Bag {
	out := base.Clone()
	if out == nil {
		out = make(Bag)
	}
	for _, ch := range changes {
		if ch.Value == nil {
			delete(out, ch.Name)
		} else {
			out[ch.Name] = bytes.Clone(ch.Value)
		}
	}
	return out
}

// ConflictedProp describes one property that could not be merged.
type ConflictedProp struct {
	Name     string
	Base     []byte // nil if the property was unset in base
	Mine     []byte
	Incoming []byte
}

// MergeResult is the outcome of a 3-way property merge.
type MergeResult struct {
	Merged    Bag
	Conflicts []ConflictedProp
}

// Merge folds incoming into mine relative to base, one property at a time.
// A property conflicts iff mine differs from base AND incoming differs from
// base AND mine differs from incoming; conflicting properties keep the local
// value in Merged and are reported in Conflicts. Non-conflicting incoming
// changes apply even when other properties on the same node conflict.
func Merge(base, mine, incoming Bag) MergeResult {
	names := mapset.NewThreadUnsafeSet[string]()
	for k := range base {
		names.Add(k)
	}
	for k := range mine {
		names.Add(k)
	}
	for k := range incoming {
		names.Add(k)
	}

	res := MergeResult{Merged: make(Bag, len(mine))}
	maps.Copy(res.Merged, mine.Clone())

	sorted := names.ToSlice()
	sort.Strings(sorted)
	for _, name := range sorted {
		b, hasB := base[name]
		m, hasM := mine[name]
		in, hasIn := incoming[name]

		localChanged := hasM != hasB || (hasM && !bytes.Equal(m, b))
		incomingChanged := hasIn != hasB || (hasIn && !bytes.Equal(in, b))
		bothSame := hasM == hasIn && (!hasM || bytes.Equal(m, in))

		switch {
		case !incomingChanged:
			// keep local value, nothing to do
		case !localChanged || bothSame:
			if hasIn {
				res.Merged[name] = bytes.Clone(in)
			} else {
				delete(res.Merged, name)
			}
		default:
			res.Conflicts = append(res.Conflicts, ConflictedProp{
				Name:     name,
				Base:     bytes.Clone(b),
				Mine:     bytes.Clone(m),
				Incoming: bytes.Clone(in),
			})
		}
	}
	return res
}

// RejectText renders the conflicts in the .prej reject style: one paragraph
// per conflicted property describing base, local and incoming values.
func RejectText(conflicts []ConflictedProp) []byte {
	var buf bytes.Buffer
	for _, c := range conflicts {
		fmt.Fprintf(&buf, "Trying to change property '%s'\n", c.Name)
		writeSide(&buf, "base", c.Base)
		writeSide(&buf, "local", c.Mine)
		writeSide(&buf, "incoming", c.Incoming)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeSide(buf *bytes.Buffer, side string, v []byte) {
	if v == nil {
		fmt.Fprintf(buf, "  %s: (not set)\n", side)
	} else {
		fmt.Fprintf(buf, "  %s: %s\n", side, v)
	}
}
