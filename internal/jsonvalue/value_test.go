package jsonvalue

import "testing"

func TestRoundTripObject(t *testing.T) {
	v := Object(map[string]Value{
		"name": String("Alice"),
		"age":  Number(30),
		"tags": Array([]Value{String("a"), String("b")}),
	})
	data, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Value
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !v.Equal(got) {
		t.Fatalf("round trip mismatch: %v != %v", v, got)
	}
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	type weird struct{}
	if _, err := FromAny(weird{}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestEqualKindMismatch(t *testing.T) {
	if String("1").Equal(Number(1)) {
		t.Fatalf("string and number must not compare equal")
	}
}
