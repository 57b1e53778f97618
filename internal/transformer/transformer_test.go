package transformer

import (
	"errors"
	"reflect"
	"testing"

	"seedflow/internal/errs"
	"seedflow/internal/idmap"
	"seedflow/internal/mapping"
	"seedflow/internal/reference"
	"seedflow/pkg/records"
)

/*
counterTransformer increments *calls whenever Apply is invoked and appends its
tag to every record. Used to verify Chain ordering.
*/
type counterTransformer struct {
	calls *int
	tag   string
}

func (c counterTransformer) Apply(in []records.Record) []records.Record {
	*c.calls++
	for i := range in {
		prev := records.String(in[i].Get("trail"))
		in[i].Set("trail", prev+c.tag)
	}
	return in
}

func TestChain_AppliesInOrder(t *testing.T) {
	t.Parallel()

	var a, b int
	c := Chain{counterTransformer{&a, "a"}, counterTransformer{&b, "b"}}
	out := c.Apply([]records.Record{records.New()})
	if a != 1 || b != 1 {
		t.Fatalf("calls = (%d,%d), want (1,1)", a, b)
	}
	if got := out[0].Get("trail"); got != "ab" {
		t.Fatalf("trail = %v, want ab", got)
	}
}

type failingValidator struct{ called *bool }

func (f failingValidator) Check([]records.Record) error {
	*f.called = true
	return errs.Validationf("boom")
}

func TestValidators_StopAtFirstFailure(t *testing.T) {
	t.Parallel()

	var first, second bool
	vs := Validators{failingValidator{&first}, failingValidator{&second}}
	if err := vs.Check(nil); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !first || second {
		t.Fatalf("called = (%v,%v), want (true,false)", first, second)
	}
}

func TestApplyOps(t *testing.T) {
	t.Parallel()

	specs := []mapping.OpSpec{
		{Op: "assign", Field: "Label", Value: "${First} ${Last}"},
		{Op: "copy", From: "Email", To: "Username"},
		{Op: "rename", From: "Tel", To: "Phone"},
		{Op: "remove", Field: "Scratch"},
		{Op: "coalesce", Field: "Nick", Sources: []string{"Alias", "First"}, Default: "anon"},
		{Op: "concat", Field: "Full", Sources: []string{"First", "Middle", "Last"}},
		{Op: "frobnicate", Field: "Whatever"},
	}
	ops, err := CompileAll(specs)
	if err != nil {
		t.Fatalf("CompileAll: %v", err)
	}
	in := records.New("First", "Ada", "Last", "Lovelace", "Middle", "", "Email", "ada@x", "Tel", "123", "Scratch", 1, "Alias", nil)
	out := ApplyOps(in, ops)

	want := map[string]any{
		"First":    "Ada",
		"Last":     "Lovelace",
		"Middle":   "",
		"Email":    "ada@x",
		"Phone":    "123",
		"Alias":    nil,
		"Label":    "Ada Lovelace",
		"Username": "ada@x",
		"Nick":     "Ada",
		"Full":     "Ada Lovelace",
	}
	if got := out.Map(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if !in.Has("Scratch") || in.Has("Label") {
		t.Fatalf("ApplyOps mutated its input: %v", in.Map())
	}
}

func TestApplyOps_CoalesceDefault(t *testing.T) {
	t.Parallel()

	op, err := Compile(mapping.OpSpec{Op: "coalesce", Field: "Nick", Sources: []string{"A", "B"}, Default: "anon"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	out := ApplyOps(records.New("A", "", "B", nil), []Op{op})
	if got := out.Get("Nick"); got != "anon" {
		t.Fatalf("Nick = %v, want anon", got)
	}

	op, _ = Compile(mapping.OpSpec{Op: "coalesce", Field: "Nick", Sources: []string{"A"}})
	out = ApplyOps(records.New("A", ""), []Op{op})
	if out.Has("Nick") {
		t.Fatalf("coalesce without default wrote %v", out.Get("Nick"))
	}
}

func TestCompile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    mapping.OpSpec
		want    Op
		wantErr bool
	}{
		{"unknown is noop", mapping.OpSpec{Op: "explode"}, Noop{Name: "explode"}, false},
		{"concat default separator", mapping.OpSpec{Op: "concat", Field: "F", Sources: []string{"a"}}, Concat{Field: "F", Sources: []string{"a"}, Separator: " "}, false},
		{"concat empty separator", mapping.OpSpec{Op: "concat", Field: "F", Sources: []string{"a"}, Separator: new(string)}, Concat{Field: "F", Sources: []string{"a"}}, false},
		{"case folded", mapping.OpSpec{Op: "Remove", Field: "X"}, Remove{Field: "X"}, false},
		{"assign needs field", mapping.OpSpec{Op: "assign", Value: 1}, nil, true},
		{"copy needs to", mapping.OpSpec{Op: "copy", From: "a"}, nil, true},
		{"coerce type folded", mapping.OpSpec{Op: "coerce", Field: "N", Type: "INT"}, Coerce{Field: "N", Type: "int"}, false},
		{"coerce needs type", mapping.OpSpec{Op: "coerce", Field: "N"}, nil, true},
		{"coerce unknown type", mapping.OpSpec{Op: "coerce", Field: "N", Type: "money"}, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Compile(tc.spec)
			if tc.wantErr {
				if !errors.Is(err, errs.ErrConfiguration) {
					t.Fatalf("err = %v, want configuration error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestShape(t *testing.T) {
	t.Parallel()

	in := records.New("ExternalKey", "acct-001", "Name", "Acme", "Notes", "x", "Industry", nil)
	out := Shape(in, mapping.Shape{
		FieldMap:     map[string]string{"ExternalKey": "ExternalKey__c"},
		Defaults:     map[string]any{"Industry": "Retail", "Name": "ignored", "Rating": "Hot"},
		RemoveFields: []string{"Notes"},
	})

	if got, want := out.Keys(), []string{"ExternalKey__c", "Name", "Industry", "Rating"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if out.Get("Name") != "Acme" || out.Get("Industry") != "Retail" {
		t.Fatalf("shape result %v", out.Map())
	}
	if in.Has("ExternalKey__c") {
		t.Fatalf("Shape mutated its input")
	}
}

func TestPipeline_Order(t *testing.T) {
	t.Parallel()

	cfg := mapping.Config{
		Identify: mapping.Identify{MatchKey: "Key__c"},
		Shape: mapping.Shape{
			FieldMap: map[string]string{"Key": "Key__c"},
		},
		Transform: mapping.Transform{
			// pre sees the raw names, post sees the resolved id
			Pre:  []mapping.OpSpec{{Op: "assign", Field: "Key", Value: "{{PREFIX}}-${Code}"}},
			Post: []mapping.OpSpec{{Op: "copy", From: "AccountId", To: "AccountRef"}},
		},
		References: []reference.Entry{{TargetField: "AccountId", KeyExpression: []string{"AccountKey"}}},
	}
	ids := idmap.Static{"Account": {"acct-001": "001xx"}}
	p, err := NewPipeline("Contact", cfg, ids, map[string]string{"PREFIX": "c"}, reference.Resolver{})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	out, err := p.Process([]records.Record{records.New("Code", "7", "AccountKey", "acct-001")})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := out[0]
	if got.Get("Key__c") != "c-7" {
		t.Fatalf("Key__c = %v, want c-7", got.Get("Key__c"))
	}
	if got.Get("AccountId") != "001xx" || got.Get("AccountRef") != "001xx" {
		t.Fatalf("reference result %v", got.Map())
	}
}

func TestPipeline_ResolutionErrorCarriesKey(t *testing.T) {
	t.Parallel()

	cfg := mapping.Config{
		Identify:   mapping.Identify{MatchKey: "Email"},
		References: []reference.Entry{{TargetField: "AccountId", KeyExpression: []string{"AccountKey"}, Required: true}},
	}
	p, err := NewPipeline("Contact", cfg, idmap.Static{}, nil, reference.Resolver{})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	_, err = p.Process([]records.Record{records.New("Email", "a@x", "AccountKey", "acct-001")})
	if !errors.Is(err, errs.ErrResolution) {
		t.Fatalf("err = %v, want resolution error", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.BusinessKey != "a@x" || e.Entity != "Contact" {
		t.Fatalf("error context = %+v", e)
	}
}

func TestNewPipeline_BadOp(t *testing.T) {
	t.Parallel()

	cfg := mapping.Config{Transform: mapping.Transform{Post: []mapping.OpSpec{{Op: "rename", From: "a"}}}}
	if _, err := NewPipeline("X", cfg, nil, nil, reference.Resolver{}); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}
