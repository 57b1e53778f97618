package builtin

import (
	"reflect"
	"testing"

	"seedflow/internal/mapping"
	"seedflow/pkg/records"
)

/*
TestNormalizeApply_TableDriven covers the cleanup rules: NBSP becomes an
ASCII space, edge whitespace is trimmed, non-string values are left alone and
Fields restricts which keys are touched.
*/
func TestNormalizeApply_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    Normalize
		in   records.Record
		want map[string]any
	}{
		{
			name: "non strings unchanged",
			in:   records.New("a", int64(1), "b", true, "c", nil),
			want: map[string]any{"a": int64(1), "b": true, "c": nil},
		},
		{
			name: "edge whitespace trimmed",
			in:   records.New("a", " foo ", "b", "\tbar\n"),
			want: map[string]any{"a": "foo", "b": "bar"},
		},
		{
			name: "nbsp replaced then trimmed",
			in:   records.New("a", " "+nbsp+"foo"+nbsp+" ", "b", "foo"+nbsp+"bar"),
			want: map[string]any{"a": "foo", "b": "foo bar"},
		},
		{
			name: "only listed fields",
			n:    Normalize{Fields: []string{"a", "missing"}},
			in:   records.New("a", " x ", "b", " y "),
			want: map[string]any{"a": "x", "b": " y "},
		},
		{
			name: "blank becomes nil",
			n:    Normalize{EmptyAsNull: true},
			in:   records.New("a", "  ", "b", nbsp, "c", "z"),
			want: map[string]any{"a": nil, "b": nil, "c": "z"},
		},
		{
			name: "blank kept without emptyAsNull",
			in:   records.New("a", "  "),
			want: map[string]any{"a": ""},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := []records.Record{tc.in}
			out := tc.n.Apply(in)
			if &out[0] != &in[0] {
				t.Fatalf("Apply did not reuse the input slice")
			}
			if got := out[0].Map(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Apply() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestNormalizeApply_KeepsKeyOrder(t *testing.T) {
	t.Parallel()

	out := Normalize{}.Apply([]records.Record{records.New("z", " 1", "a", "2 ")})
	if got := out[0].Keys(); !reflect.DeepEqual(got, []string{"z", "a"}) {
		t.Fatalf("keys = %v, want [z a]", got)
	}
}

func TestHasEdgeSpace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"foo", false},
		{" foo", true},
		{"foo ", true},
		{"f oo", false},
		{"\tfoo", true},
		{"foo\n", true},
		{"\rfoo", true},
		{" ", true},
	}
	for _, tt := range tests {
		if got := HasEdgeSpace(tt.in); got != tt.want {
			t.Fatalf("HasEdgeSpace(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestChainFromConfig(t *testing.T) {
	t.Parallel()

	if c := ChainFromConfig(mapping.Transform{}); len(c) != 0 {
		t.Fatalf("disabled normalize built %d stages", len(c))
	}

	c := ChainFromConfig(mapping.Transform{Normalize: mapping.Normalize{Enabled: true, Fields: []string{"Name"}}})
	if len(c) != 1 {
		t.Fatalf("stages = %d, want 1", len(c))
	}
	out := c.Apply([]records.Record{records.New("Name", " Acme ", "Code", " A1 ")})
	if out[0].Get("Name") != "Acme" || out[0].Get("Code") != " A1 " {
		t.Fatalf("Apply() = %v", out[0].Map())
	}
}

func BenchmarkNormalizeApply(b *testing.B) {
	batch := []records.Record{
		records.New("a", " foo ", "b", "bar", "c", "baz"+nbsp+"qux"),
		records.New("a", nbsp+"x", "b", "y"+nbsp, "c", "z"),
		records.New("a", "nochange", "b", "another", "c", int64(123)),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Normalize{}.Apply(batch)
	}
}
