package retrieval

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite clamps to zero", []float32{1, 0}, []float32{-1, 0}, 0},
		{"scaled", []float32{1, 1}, []float32{3, 3}, 1},
		{"45 degrees", []float32{1, 0}, []float32{1, 1}, 1 / math.Sqrt2},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClampUnit(t *testing.T) {
	for in, want := range map[float64]float64{-0.3: 0, 0.4: 0.4, 1.7: 1} {
		if got := clampUnit(in); got != want {
			t.Errorf("clampUnit(%v) = %v", in, got)
		}
	}
	if clampUnit(math.NaN()) != 0 {
		t.Error("NaN should clamp to 0")
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("What did John's team decide -- about v2.0?")
	want := []string{"what", "did", "john", "team", "decide", "about", "v2.0"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
