package verifier

import "testing"

func TestCanonicalJSON_SortsKeysAndStripsWhitespace(t *testing.T) {
	in := map[string]any{"b": 1, "a": "x", "c": []any{1, 2}}
	out, err := canonicalJSON(in)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	want := `{"a":"x","b":1,"c":[1,2]}`
	if string(out) != want {
		t.Fatalf("canonicalJSON = %s, want %s", out, want)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	in := map[string]any{"z": "last", "a": "first", "m": map[string]any{"y": 2, "x": 1}}
	first, err := canonicalJSON(in)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	second, err := canonicalJSON(in)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("canonicalJSON is not deterministic: %s != %s", first, second)
	}
	want := `{"a":"first","m":{"x":1,"y":2},"z":"last"}`
	if string(first) != want {
		t.Fatalf("canonicalJSON = %s, want %s", first, want)
	}
}
