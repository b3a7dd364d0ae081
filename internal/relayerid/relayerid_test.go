package relayerid

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "trims and lowercases", in: "  Relayer-01:EU  ", want: "relayer-01:eu"},
		{name: "rejects empty", in: "   ", wantErr: true},
		{name: "rejects disallowed char", in: "relayer.01", wantErr: true},
		{name: "rejects too long", in: strings.Repeat("a", MaxLength+1), wantErr: true},
		{name: "allows colon underscore dash digits", in: "r_1:a-2", want: "r_1:a-2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeListDedupesPreservesOrder(t *testing.T) {
	out, err := NormalizeList([]string{"P1", "p2", "p1", "P3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"p1", "p2", "p3"}
	if len(out) != len(want) {
		t.Fatalf("got %v want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v want %v", out, want)
		}
	}
}

func TestNormalizeListPropagatesError(t *testing.T) {
	if _, err := NormalizeList([]string{"ok", "bad id"}); err == nil {
		t.Fatal("expected error")
	}
}
