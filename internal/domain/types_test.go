package domain

import (
	"encoding/json"
	"testing"
)

func TestIntExtra(t *testing.T) {
	r := WatchRecord{Extra: map[string]any{
		"a": 3,
		"b": float64(7),
		"c": json.Number("11"),
		"d": "nope",
	}}
	cases := map[string]int{"a": 3, "b": 7, "c": 11}
	for k, want := range cases {
		got, ok := r.IntExtra(k)
		if !ok || got != want {
			t.Fatalf("%s: got %d,%v want %d", k, got, ok, want)
		}
	}
	if _, ok := r.IntExtra("d"); ok {
		t.Fatalf("string value should not parse")
	}
	if _, ok := r.IntExtra("missing"); ok {
		t.Fatalf("missing key should not parse")
	}
}
