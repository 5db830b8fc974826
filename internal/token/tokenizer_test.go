package token

import "testing"

func TestEstimatorCount(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"single letter", "a", 1},
		{"short word", "abc", 1},
		{"five letter word", "hello", 2},
		{"two words", "hello world", 4},
		{"punctuation counts", "hi!", 2},
		{"whitespace only", "   ", 1},
		{"non-ascii runes", "안녕", 2},
		{"mixed", "ok, 안녕", 4}, // "ok" + "," + two runes
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Estimator{}).Count(tt.text); got != tt.want {
				t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimatorEncodeMatchesCount(t *testing.T) {
	e := Estimator{}
	for _, text := range []string{"", "hello", "a longer sentence with several words."} {
		if got, want := len(e.Encode(text)), e.Count(text); got != want {
			t.Errorf("len(Encode(%q)) = %d, Count = %d", text, got, want)
		}
	}
}

func TestEstimatorIsDeterministic(t *testing.T) {
	e := Estimator{}
	text := "the same text, counted twice"
	if e.Count(text) != e.Count(text) {
		t.Fatal("Count is not deterministic")
	}
}
