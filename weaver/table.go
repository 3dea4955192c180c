package weaver

import (
	"errors"
	"fmt"
	"math"

	"github.com/chazu/litweave/pkg/bytecode"
)

// ErrNoRecord is returned when a site has no record in the table.
var ErrNoRecord = errors.New("no record for literal")

// Strategy selects how literals are addressed in the buffer.
type Strategy int

const (
	// AllOccurrences gives every site its own record.
	AllOccurrences Strategy = iota
	// Deduplicated gives every distinct value one record shared by all
	// sites that load it.
	Deduplicated
)

func (s Strategy) String() string {
	switch s {
	case AllOccurrences:
		return "all"
	case Deduplicated:
		return "dedup"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// LiteralRecord addresses one logical string in the buffer.
type LiteralRecord struct {
	Value       string
	StartOffset uint32
	Length      uint32
	Slot        uint32
}

// Table is the addressing of one weave: the records, the buffer they
// describe and the mapping from sites to records.
type Table struct {
	Strategy Strategy
	Records  []LiteralRecord
	Buffer   []byte

	// lookup resolves a site to a record index; it is fixed by Build for
	// the chosen strategy.
	lookup func(LiteralSite) (int, bool)
}

// Build lays out the scanned literals. Records are created in scan order
// and their bytes appended to the buffer in the same order.
func Build(strategy Strategy, bodies []BodySites) (*Table, error) {
	t := &Table{Strategy: strategy}

	switch strategy {
	case AllOccurrences:
		bySite := make(map[*bytecode.Instruction]int, countSites(bodies))
		for _, b := range bodies {
			for _, s := range b.Sites {
				if _, dup := bySite[s.Instruction]; dup {
					return nil, fmt.Errorf("%s: instruction %d scanned twice", s.Method.FullName(), s.Position)
				}
				idx, err := t.add(s.Value)
				if err != nil {
					return nil, err
				}
				bySite[s.Instruction] = idx
			}
		}
		t.lookup = func(s LiteralSite) (int, bool) {
			idx, ok := bySite[s.Instruction]
			return idx, ok
		}

	case Deduplicated:
		byValue := make(map[string]int)
		for _, b := range bodies {
			for _, s := range b.Sites {
				if _, seen := byValue[s.Value]; seen {
					continue
				}
				idx, err := t.add(s.Value)
				if err != nil {
					return nil, err
				}
				byValue[s.Value] = idx
			}
		}
		t.lookup = func(s LiteralSite) (int, bool) {
			idx, ok := byValue[s.Value]
			return idx, ok
		}

	default:
		return nil, fmt.Errorf("unknown strategy %v", strategy)
	}

	return t, nil
}

func (t *Table) add(value string) (int, error) {
	if len(t.Buffer)+len(value) > math.MaxInt32 {
		return 0, fmt.Errorf("literal buffer exceeds %d bytes", math.MaxInt32)
	}
	if len(t.Records) >= math.MaxInt32 {
		return 0, fmt.Errorf("too many literals")
	}
	t.Records = append(t.Records, LiteralRecord{
		Value:       value,
		StartOffset: uint32(len(t.Buffer)),
		Length:      uint32(len(value)),
		Slot:        uint32(len(t.Records)),
	})
	t.Buffer = append(t.Buffer, value...)
	return len(t.Records) - 1, nil
}

// Record returns the record that site resolves to.
func (t *Table) Record(site LiteralSite) (LiteralRecord, error) {
	idx, ok := t.lookup(site)
	if !ok {
		return LiteralRecord{}, fmt.Errorf("%s: instruction %d: %w", site.Method.FullName(), site.Position, ErrNoRecord)
	}
	rec := t.Records[idx]
	if rec.Value != site.Value {
		return LiteralRecord{}, fmt.Errorf("%s: record %d holds a different value: %w", site.Method.FullName(), idx, ErrNoRecord)
	}
	return rec, nil
}
