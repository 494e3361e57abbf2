package images

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIoU_Correctness validates the IoU implementation against known test cases
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		r1       Rect
		r2       Rect
		expected float32
	}{
		{"Identical rectangles", Rect{0, 0, 100, 100}, Rect{0, 0, 100, 100}, 1.0},
		{"No overlap", Rect{0, 0, 100, 100}, Rect{200, 200, 300, 300}, 0.0},
		{"Touching edges", Rect{0, 0, 100, 100}, Rect{100, 0, 200, 100}, 0.0},
		// intersection=2500, union=17500
		{"Half overlap", Rect{0, 0, 100, 100}, Rect{50, 50, 150, 150}, 0.142857},
		// intersection=100, union=19900
		{"Small overlap", Rect{0, 0, 100, 100}, Rect{90, 90, 190, 190}, 0.005025},
		{"One inside other", Rect{0, 0, 100, 100}, Rect{25, 25, 75, 75}, 0.25},
		{"Degenerate box", Rect{10, 10, 10, 10}, Rect{10, 10, 10, 10}, 0.0},
		{"Fractional coordinates", Rect{0.5, 0, 1.5, 1}, Rect{1, 0, 2, 1}, 0.333333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, CalculateIoU(tt.r1, tt.r2), 0.001)
			assert.InDelta(t, tt.expected, CalculateIoU(tt.r2, tt.r1), 0.001, "IoU must be symmetric")
		})
	}
}

func TestRectArea(t *testing.T) {
	assert.Equal(t, float32(200), Rect{0, 0, 10, 20}.Area())
	assert.Equal(t, float32(0), Rect{10, 0, 0, 20}.Area(), "inverted rectangles have no area")

	inter := Rect{0, 0, 10, 10}.Intersect(Rect{5, -5, 20, 5})
	assert.Equal(t, Rect{5, 0, 10, 5}, inter)
}
