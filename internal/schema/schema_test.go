package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDecoder accepts a fixed set of extractor names.
type stubDecoder struct {
	known map[string]bool
}

func newStubDecoder(names ...string) *stubDecoder {
	d := &stubDecoder{known: make(map[string]bool)}
	for _, n := range names {
		d.known[n] = true
	}
	return d
}

func (d *stubDecoder) DecodeConfig(name string, raw json.RawMessage) (any, error) {
	if !d.known[name] {
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

const fundSchema = `{
  "name": "fund",
  "version": "1",
  "fields": [
    {"name": "fund_name", "extractors": [
      {"name": "partial_text", "regs": ["名称[:：](?P<dst>.*)"]},
      {"name": "default", "text": "unknown"}
    ]},
    {"name": "manager", "extractors": [
      {"name": "partial_text", "regs": ["管理人[:：](?P<dst>.*)"], "depends": ["fund_name"]}
    ]},
    {"name": "directors", "sub_primary_key": ["name"], "pick": "all",
     "extractors": [{"name": "table_row", "columns": {"name": "姓名", "role": "职务"}}],
     "children": [{"name": "name"}, {"name": "role"}]},
    {"name": "basic", "children": [
      {"name": "custodian", "extractors": [{"name": "partial_text", "regs": ["托管人[:：](?P<dst>.*)"], "depends": ["directors.name"]}]}
    ]}
  ]
}`

func TestParse_FundSchema(t *testing.T) {
	s, err := Parse([]byte(fundSchema), newStubDecoder("partial_text", "default", "table_row"))
	require.NoError(t, err)

	assert.Equal(t, "fund", s.Name)
	assert.Equal(t, []string{"fund_name", "manager", "directors.name", "directors.role", "basic.custodian"}, s.LeafPaths())

	var units []string
	for _, u := range s.Units() {
		units = append(units, u.Path)
	}
	assert.Equal(t, []string{"fund_name", "manager", "directors", "basic.custodian"}, units)
	assert.Equal(t, []string{"directors.name"}, s.Depends("basic.custodian"))

	f, err := s.Resolve("directors.role")
	require.NoError(t, err)
	assert.Equal(t, "directors", f.Parent.Path)

	d, err := s.Lookup("directors")
	require.NoError(t, err)
	assert.True(t, d.IsTabular())
	assert.Equal(t, PickAll, d.PickOrDefault())

	opts, ok := s.fields["fund_name"].Extractors[1].Options.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unknown", opts["text"])
}

func TestSchema_ResolveErrors(t *testing.T) {
	s, err := Parse([]byte(fundSchema), nil)
	require.NoError(t, err)

	_, err = s.Resolve("directors")
	assert.ErrorIs(t, err, ErrUnknownField)
	_, err = s.Resolve("basic.nope")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestBuild_DependencyOrder(t *testing.T) {
	def := `{"name":"s","fields":[
	  {"name":"a","extractors":[{"name":"x","depends":["c"]}]},
	  {"name":"b","extractors":[{"name":"x"}]},
	  {"name":"c","extractors":[{"name":"x","depends":["b"]}]}
	]}`
	s, err := Parse([]byte(def), nil)
	require.NoError(t, err)

	var got []string
	for _, u := range s.Units() {
		got = append(got, u.Path)
	}
	assert.Equal(t, []string{"b", "c", "a"}, got)
}

func TestBuild_SiblingDependencyInsideTable(t *testing.T) {
	def := `{"name":"s","fields":[
	  {"name":"directors","sub_primary_key":["name"],"children":[
	    {"name":"role","extractors":[{"name":"x","depends":["directors.name"]}]},
	    {"name":"name","extractors":[{"name":"x"}]},
	    {"name":"since"}]},
	  {"name":"chair","extractors":[{"name":"x","depends":["directors.role"]}]}
	]}`
	s, err := Parse([]byte(def), nil)
	require.NoError(t, err)

	var units []string
	for _, u := range s.Units() {
		units = append(units, u.Path)
	}
	assert.Equal(t, []string{"directors", "chair"}, units)

	var children []string
	for _, c := range s.ChildOrder("directors") {
		children = append(children, c.Path)
	}
	assert.Equal(t, []string{"directors.name", "directors.role", "directors.since"}, children)
	assert.Equal(t, []string{"directors.name"}, s.Depends("directors"))
	assert.Nil(t, s.ChildOrder("chair"))
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		def     string
		wantErr error
	}{
		{
			name: "cycle",
			def: `{"name":"s","fields":[
			  {"name":"a","extractors":[{"name":"x","depends":["b"]}]},
			  {"name":"b","extractors":[{"name":"x","depends":["a"]}]}]}`,
			wantErr: ErrCyclicDependency,
		},
		{
			name: "sibling cycle within tabular node",
			def: `{"name":"s","fields":[{"name":"t","sub_primary_key":["k"],"children":[
			  {"name":"k","extractors":[{"name":"x","depends":["t.v"]}]},
			  {"name":"v","extractors":[{"name":"x","depends":["t.k"]}]}]}]}`,
			wantErr: ErrCyclicDependency,
		},
		{
			name: "child depends on itself",
			def: `{"name":"s","fields":[{"name":"t","children":[
			  {"name":"k"},{"name":"v","extractors":[{"name":"x","depends":["t.v"]}]}]}]}`,
			wantErr: ErrCyclicDependency,
		},
		{
			name: "row extractor depends on own child",
			def: `{"name":"s","fields":[{"name":"t","extractors":[{"name":"x","depends":["t.k"]}],"children":[
			  {"name":"k"},{"name":"v"}]}]}`,
			wantErr: ErrCyclicDependency,
		},
		{
			name:    "unknown dependency",
			def:     `{"name":"s","fields":[{"name":"a","extractors":[{"name":"x","depends":["zzz"]}]}]}`,
			wantErr: ErrUnknownField,
		},
		{
			name:    "duplicate sibling",
			def:     `{"name":"s","fields":[{"name":"a"},{"name":"a"}]}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "sub primary key not a child",
			def:     `{"name":"s","fields":[{"name":"t","sub_primary_key":["z"],"children":[{"name":"k"}]}]}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "unit depend not a child",
			def:     `{"name":"s","fields":[{"name":"t","unit_depend":{"amount":"unit"},"children":[{"name":"amount"}]}]}`,
			wantErr: ErrInvalidDefinition,
		},
		{
			name:    "extractor without name",
			def:     `{"name":"s","fields":[{"name":"a","extractors":[{"regs":[]}]}]}`,
			wantErr: ErrInvalidDefinition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.def), nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParse_UnknownExtractor(t *testing.T) {
	_, err := Parse([]byte(fundSchema), newStubDecoder("partial_text"))
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestChecksum(t *testing.T) {
	a, err := Parse([]byte(`{"name":"s","fields":[{"name":"a","extractors":[{"name":"x","regs":["1"],"multi":true}]}]}`), nil)
	require.NoError(t, err)
	reordered, err := Parse([]byte(`{ "fields": [ {"extractors":[{"multi":true, "regs":["1"], "name":"x"}], "name":"a"} ], "name":"s" }`), nil)
	require.NoError(t, err)
	changed, err := Parse([]byte(`{"name":"s","fields":[{"name":"a","extractors":[{"name":"x","regs":["2"],"multi":true}]}]}`), nil)
	require.NoError(t, err)

	assert.Len(t, a.Checksum(), 64)
	assert.Equal(t, a.Checksum(), reordered.Checksum())
	assert.Equal(t, a.Checksum(), Checksum(a))
	assert.NotEqual(t, a.Checksum(), changed.Checksum())
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	require.NoError(t, v.Validate([]byte(fundSchema)))
	assert.ErrorIs(t, v.Validate([]byte(`{"name":"s","fields":[{"name":"a","pick":"some"}]}`)), ErrInvalidDefinition)
	assert.ErrorIs(t, v.Validate([]byte(`{"fields":[]}`)), ErrInvalidDefinition)
	assert.ErrorIs(t, v.Validate([]byte(`{"name":"s","fields":[{"name":"a.b"}]}`)), ErrInvalidDefinition)
}

func TestRegistry_Load(t *testing.T) {
	ctx := context.Background()
	src := MemorySource{"fund": []byte(fundSchema)}
	reg, err := NewRegistry(src, newStubDecoder("partial_text", "default", "table_row"))
	require.NoError(t, err)

	s1, err := reg.Load(ctx, "fund")
	require.NoError(t, err)
	s2, err := reg.Load(ctx, "fund")
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	got, ok := reg.Get("fund", s1.Checksum())
	require.True(t, ok)
	assert.Same(t, s1, got)
	_, ok = reg.Get("fund", "stale")
	assert.False(t, ok)

	_, err = reg.Load(ctx, "bond")
	assert.ErrorIs(t, err, ErrUnknownSchema)
}

func TestRegistry_ReloadReplacesOnChecksumChange(t *testing.T) {
	ctx := context.Background()
	src := MemorySource{"s": []byte(`{"name":"s","fields":[{"name":"a"}]}`)}
	reg, err := NewRegistry(src, nil)
	require.NoError(t, err)

	first, err := reg.Load(ctx, "s")
	require.NoError(t, err)

	same, changed, err := reg.Reload(ctx, "s")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, first, same)

	src["s"] = []byte(`{"name":"s","fields":[{"name":"a"},{"name":"b"}]}`)
	next, changed, err := reg.Reload(ctx, "s")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, first.Checksum(), next.Checksum())
	assert.Equal(t, []string{"a"}, first.LeafPaths(), "replaced entries are not mutated")

	reg.Invalidate("s")
	_, ok := reg.Get("s", next.Checksum())
	assert.False(t, ok)
}

func TestRegistry_NameMismatch(t *testing.T) {
	reg, err := NewRegistry(MemorySource{"s": []byte(`{"name":"other","fields":[]}`)}, nil)
	require.NoError(t, err)
	_, err = reg.Load(context.Background(), "s")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fund.json"), []byte(fundSchema), 0o600))

	src := DirSource{Dir: dir}
	data, err := src.Definition(context.Background(), "fund")
	require.NoError(t, err)
	assert.JSONEq(t, fundSchema, string(data))

	_, err = src.Definition(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSchema)
	_, err = src.Definition(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrUnknownSchema)
}
