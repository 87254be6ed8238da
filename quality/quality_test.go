package quality

import (
	"image"
	"image/color"
	"testing"
)

func checkerboard(w, h, cell int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/cell)+(y/cell))%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 250})
			} else {
				img.SetGray(x, y, color.Gray{Y: 10})
			}
		}
	}
	return img
}

func flat(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func TestCompute_SharpHighContrastScoresWell(t *testing.T) {
	img := checkerboard(64, 64, 4)
	s := Compute(img, DefaultConfig())
	if s.Blur < 50 {
		t.Errorf("expected high blur score for sharp checkerboard, got %v", s.Blur)
	}
	if s.Contrast < 50 {
		t.Errorf("expected high contrast score, got %v", s.Contrast)
	}
}

func TestCompute_FlatImageScoresPoorly(t *testing.T) {
	img := flat(64, 64, 128)
	s := Compute(img, DefaultConfig())
	if s.Blur > 20 {
		t.Errorf("expected near-zero blur score for flat image, got %v", s.Blur)
	}
	if s.Contrast > 5 {
		t.Errorf("expected near-zero contrast score for flat image, got %v", s.Contrast)
	}
}

func TestCompute_AllWhiteHasMaxGlareFraction(t *testing.T) {
	img := flat(64, 64, 255)
	s := Compute(img, DefaultConfig())
	if s.Glare > 1 {
		t.Errorf("expected glare score near 0 for all-white image, got %v", s.Glare)
	}
}

func TestScore_Below(t *testing.T) {
	s := Score{Overall: 65}
	if !s.Below(70) {
		t.Error("expected 65 to be below threshold 70")
	}
	if s.Below(60) {
		t.Error("expected 65 not to be below threshold 60")
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash([]byte("hello world"))
	b := ContentHash([]byte("hello world"))
	if a != b {
		t.Fatalf("ContentHash not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestContentHash_DifferentInputsDiffer(t *testing.T) {
	a := ContentHash([]byte("one"))
	b := ContentHash([]byte("two"))
	if a == b {
		t.Fatal("expected different inputs to hash differently")
	}
}
