package core

import "testing"

func TestBBox_Center(t *testing.T) {
	b := BBox{X1: 100, Y1: 200, X2: 300, Y2: 260}
	if got := b.Center(); got != (Point{X: 200, Y: 230}) {
		t.Errorf("Center() = %+v, want {200 230}", got)
	}
}

func TestDetectionResult_Target(t *testing.T) {
	tests := []struct {
		name   string
		result DetectionResult
		want   Point
		ok     bool
	}{
		{"none", DetectionResult{Found: true}, Point{}, false},
		{"bbox only", DetectionResult{BBox: &BBox{X1: 0, Y1: 0, X2: 10, Y2: 20}}, Point{X: 5, Y: 10}, true},
		{"center wins", DetectionResult{BBox: &BBox{X2: 10, Y2: 20}, Center: &Point{X: 1, Y: 2}}, Point{X: 1, Y: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.result.Target()
			if ok != tt.ok || got != tt.want {
				t.Errorf("Target() = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
