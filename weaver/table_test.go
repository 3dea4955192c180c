package weaver

import (
	"errors"
	"testing"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// fakeSites builds scan results for values without a module.
func fakeSites(values ...string) []BodySites {
	meth := &module.Method{Owner: module.RootTypeName, Name: "M"}
	bs := BodySites{Method: meth}
	for i, v := range values {
		bs.Sites = append(bs.Sites, LiteralSite{
			Method:      meth,
			Instruction: &bytecode.Instruction{Op: bytecode.OpLdStr, Operand: v},
			Value:       v,
			Position:    i,
		})
	}
	return []BodySites{bs}
}

func checkAddressing(t *testing.T, tab *Table) {
	t.Helper()
	next := uint32(0)
	for i, rec := range tab.Records {
		if rec.Slot != uint32(i) {
			t.Errorf("record %d has slot %d", i, rec.Slot)
		}
		if rec.StartOffset != next {
			t.Errorf("record %d starts at %d, want %d", i, rec.StartOffset, next)
		}
		if rec.Length != uint32(len(rec.Value)) {
			t.Errorf("record %d length = %d, want %d", i, rec.Length, len(rec.Value))
		}
		if got := string(tab.Buffer[rec.StartOffset : rec.StartOffset+rec.Length]); got != rec.Value {
			t.Errorf("buffer[%d:+%d] = %q, want %q", rec.StartOffset, rec.Length, got, rec.Value)
		}
		next += rec.Length
	}
	if int(next) != len(tab.Buffer) {
		t.Errorf("buffer is %d bytes, records cover %d", len(tab.Buffer), next)
	}
}

func TestBuildDeduplicated(t *testing.T) {
	bodies := fakeSites("a", "b", "a")
	tab, err := Build(Deduplicated, bodies)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(tab.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(tab.Records))
	}
	checkAddressing(t, tab)

	sites := bodies[0].Sites
	first, err := tab.Record(sites[0])
	if err != nil {
		t.Fatal(err)
	}
	third, err := tab.Record(sites[2])
	if err != nil {
		t.Fatal(err)
	}
	if first != third {
		t.Errorf("both \"a\" sites should share a record: %+v vs %+v", first, third)
	}
	second, _ := tab.Record(sites[1])
	if second.Value != "b" || second.StartOffset != 1 || second.Slot != 1 {
		t.Errorf("record for \"b\" = %+v", second)
	}
}

func TestBuildAllOccurrences(t *testing.T) {
	bodies := fakeSites("a", "b", "a", "世界")
	tab, err := Build(AllOccurrences, bodies)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(tab.Records) != 4 {
		t.Fatalf("got %d records, want 4", len(tab.Records))
	}
	checkAddressing(t, tab)
	if got, want := string(tab.Buffer), "aba世界"; got != want {
		t.Errorf("buffer = %q, want %q", got, want)
	}

	for i, s := range bodies[0].Sites {
		rec, err := tab.Record(s)
		if err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
		if rec.Slot != uint32(i) {
			t.Errorf("site %d maps to slot %d", i, rec.Slot)
		}
	}
}

func TestBuildHelloWorld(t *testing.T) {
	tab, err := Build(Deduplicated, fakeSites("Hello", "World", "Hello"))
	if err != nil {
		t.Fatal(err)
	}
	want := []LiteralRecord{
		{Value: "Hello", StartOffset: 0, Length: 5, Slot: 0},
		{Value: "World", StartOffset: 5, Length: 5, Slot: 1},
	}
	if len(tab.Records) != len(want) {
		t.Fatalf("records = %+v, want %+v", tab.Records, want)
	}
	for i := range want {
		if tab.Records[i] != want[i] {
			t.Errorf("records[%d] = %+v, want %+v", i, tab.Records[i], want[i])
		}
	}
}

func TestRecordUnknownSite(t *testing.T) {
	for _, strategy := range []Strategy{AllOccurrences, Deduplicated} {
		tab, err := Build(strategy, fakeSites("a"))
		if err != nil {
			t.Fatal(err)
		}
		stray := fakeSites("zzz")[0].Sites[0]
		if _, err := tab.Record(stray); !errors.Is(err, ErrNoRecord) {
			t.Errorf("%s: Record(stray) error = %v, want ErrNoRecord", strategy, err)
		}
	}
}

func TestBuildRejectsUnknownStrategy(t *testing.T) {
	if _, err := Build(Strategy(7), fakeSites("a")); err == nil {
		t.Error("Build with unknown strategy succeeded")
	}
}
