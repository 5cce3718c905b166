package images

import (
	"image"
	"math/rand"
	"testing"
)

// BenchmarkIoU_NonOverlapping exercises the early return for disjoint boxes.
func BenchmarkIoU_NonOverlapping(b *testing.B) {
	r1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	r2 := Rect{X1: 200, Y1: 200, X2: 300, Y2: 300}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(r1, r2)
	}
}

// BenchmarkIoU_PartialOverlap is the common detector-vs-detector case.
func BenchmarkIoU_PartialOverlap(b *testing.B) {
	r1 := Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}
	r2 := Rect{X1: 50, Y1: 50, X2: 150, Y2: 150}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = CalculateIoU(r1, r2)
	}
}

// BenchmarkIoU_Pairwise compares every pair of 100 clustered boxes, the inner loop of NMS.
func BenchmarkIoU_Pairwise(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	centers := [][2]float32{{160, 90}, {400, 200}, {90, 300}}
	boxes := make([]Rect, 100)
	for i := range boxes {
		c := centers[i%len(centers)]
		cx := c[0] + rng.Float32()*80 - 40
		cy := c[1] + rng.Float32()*80 - 40
		boxes[i] = FromCenter(cx, cy, 20+rng.Float32()*60, 20+rng.Float32()*60)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var total float32
		for j := range boxes {
			for k := j + 1; k < len(boxes); k++ {
				total += CalculateIoU(boxes[j], boxes[k])
			}
		}
		_ = total
	}
}

func BenchmarkCrop(b *testing.B) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))
	box := Rect{X1: 100.4, Y1: 50.6, X2: 260.2, Y2: 210.9}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Crop(img, box); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkResize measures the frame-to-detector resize.
func BenchmarkResize(b *testing.B) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 360))

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Resize(img, 320, 320)
	}
}

func BenchmarkParallel(b *testing.B) {
	data := make([]float32, 3*320*320)
	for _, bm := range []struct {
		name    string
		workers int
	}{{"sequential", 1}, {"workers=4", 4}, {"all_cpus", 0}} {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Parallel(len(data), bm.workers, func(start, end int) {
					for j := start; j < end; j++ {
						data[j] = float32(j) / 255
					}
				})
			}
		})
	}
}
