package schema

import "testing"

func TestParseColumnTypeAliases(t *testing.T) {
	cases := map[string]ColumnType{
		"int":      Int64,
		"Integer":  Int64,
		"float":    Float64,
		"double":   Float64,
		"str":      String,
		"utf8":     String,
		"bool":     Boolean,
		"datetime": Datetime,
		" date ":   Date,
	}
	for in, want := range cases {
		got, err := ParseColumnType(in)
		if err != nil {
			t.Fatalf("ParseColumnType(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseColumnType(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseColumnType("varchar"); err == nil {
		t.Error("want error for unknown type")
	}
}

func TestSupertype(t *testing.T) {
	cases := []struct{ a, b, want ColumnType }{
		{Int32, Int64, Int64},
		{Int8, Int16, Int16},
		{Int64, Float32, Float64},
		{Float32, Float32, Float32},
		{Int64, Decimal, Decimal},
		{Date, Datetime, Datetime},
		{Null, Int64, Int64},
		{Boolean, Int64, String},
		{String, Date, String},
	}
	for _, c := range cases {
		if got := Supertype(c.a, c.b); got != c.want {
			t.Errorf("Supertype(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

func TestUnionOfFirstSeenOrder(t *testing.T) {
	got := UnionOf([]Schema{
		{{Name: "a", Type: Int64}, {Name: "b", Type: String}},
		{{Name: "c", Type: Boolean}, {Name: "a", Type: Float64}},
	})
	want := Schema{
		{Name: "a", Type: Float64},
		{Name: "b", Type: String},
		{Name: "c", Type: Boolean},
	}
	if !got.Equal(want) {
		t.Fatalf("UnionOf = %s, want %s", got, want)
	}
}

func TestSchemaLookup(t *testing.T) {
	s := Schema{{Name: "x", Type: Int64}, {Name: "y", Type: String}}
	if s.Index("y") != 1 {
		t.Error("Index(y) should be 1")
	}
	if s.Has("z") {
		t.Error("Has(z) should be false")
	}
	c, ok := s.Field("x")
	if !ok || c.Type != Int64 {
		t.Errorf("Field(x) = %+v, %v", c, ok)
	}
}
