package preprocess

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nvr-ai/perch/models/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// noiseImage returns a deterministic random RGBA image.
func noiseImage(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

// TestFillParallelMatchesSequential validates that splitting the pixel loop across
// workers produces bit-identical output to a single worker.
func TestFillParallelMatchesSequential(t *testing.T) {
	img := noiseImage(97, 61, 3)

	for _, norm := range []ModelConfig{GetYOLOConfig(97, 61), GetViTConfig(97, 61)} {
		norm.Workers = 1
		sequential, err := NewPreprocessor(norm).Preprocess(img)
		require.NoError(t, err)

		for _, workers := range []int{2, 3, 7, 16, 0} {
			cfg := norm
			cfg.Workers = workers
			parallel, err := NewPreprocessor(cfg).Preprocess(img)
			require.NoError(t, err)
			assert.Equal(t, sequential, parallel, "%s workers=%d", cfg.Name, workers)
		}
	}
}

// TestFillGenericImagePath validates that non-RGBA images take the generic path with identical values.
func TestFillGenericImagePath(t *testing.T) {
	rgba := noiseImage(16, 9, 11)
	nrgba := image.NewNRGBA(rgba.Bounds())
	copy(nrgba.Pix, rgba.Pix)

	p := NewPreprocessor(GetYOLOConfig(16, 9))
	a, err := p.Preprocess(rgba)
	require.NoError(t, err)
	b, err := p.Preprocess(nrgba)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFillSubImageOffset(t *testing.T) {
	full := noiseImage(20, 20, 5)
	sub := full.SubImage(image.Rect(4, 6, 14, 16)).(*image.RGBA)

	p := NewPreprocessor(GetYOLOConfig(10, 10))
	tensor, err := p.Preprocess(sub)
	require.NoError(t, err)

	off := full.PixOffset(4, 6)
	assert.InDelta(t, float32(full.Pix[off])/255, tensor[0], 1e-6)
	assert.InDelta(t, float32(full.Pix[off+1])/255, tensor[100], 1e-6)
	assert.InDelta(t, float32(full.Pix[off+2])/255, tensor[200], 1e-6)
}

// TestFillNormalization validates the CHW layout and both normalization types on a solid color.
func TestFillNormalization(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 128, B: 0, A: 255})
		}
	}

	yolo, err := NewPreprocessor(GetYOLOConfig(4, 2)).Preprocess(img)
	require.NoError(t, err)
	require.Len(t, yolo, 24)
	for i := 0; i < 8; i++ {
		assert.InDelta(t, 1.0, yolo[i], 1e-6)
		assert.InDelta(t, 128.0/255.0, yolo[8+i], 1e-6)
		assert.InDelta(t, 0.0, yolo[16+i], 1e-6)
	}

	vit, err := NewPreprocessor(GetViTConfig(4, 2)).Preprocess(img)
	require.NoError(t, err)
	assert.InDelta(t, (1.0-0.485)/0.229, vit[0], 1e-4)
	assert.InDelta(t, (128.0/255.0-0.456)/0.224, vit[8], 1e-4)
	assert.InDelta(t, (0.0-0.406)/0.225, vit[16], 1e-4)
}

func TestFillShapeMismatch(t *testing.T) {
	p := NewPreprocessor(GetYOLOConfig(32, 32))

	_, err := p.Preprocess(noiseImage(31, 32, 1))
	assert.ErrorIs(t, err, model.ErrShapeMismatch)

	err = p.Fill(noiseImage(32, 32, 1), make([]float32, 10))
	assert.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestDecode(t *testing.T) {
	src := noiseImage(8, 8, 9)
	p := NewPreprocessor(GetYOLOConfig(8, 8))

	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, src))
	decoded, err := p.Decode(&Image{Format: ImageFormatPNG, Data: pngBuf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), decoded.Bounds())

	var jpegBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpegBuf, src, nil))
	decoded, err = p.Decode(&Image{Format: ImageFormatJPEG, Data: jpegBuf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), decoded.Bounds())

	_, err = p.Decode(&Image{Format: ImageFormatPNG})
	assert.Error(t, err)

	_, err = p.Decode(&Image{Format: ImageFormatJPEG, Data: []byte("not an image")})
	assert.Error(t, err)
}

// TestDecodeConcurrent validates that one preprocessor decodes from many goroutines.
func TestDecodeConcurrent(t *testing.T) {
	p := NewPreprocessor(GetYOLOConfig(8, 8))

	encoded := make([][]byte, 8)
	for i := range encoded {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, noiseImage(4+i, 3, int64(i))))
		encoded[i] = buf.Bytes()
	}

	var wg sync.WaitGroup
	widths := make([]int, len(encoded))
	for i, data := range encoded {
		wg.Add(1)
		go func(i int, data []byte) {
			defer wg.Done()
			img, err := p.Decode(&Image{Format: ImageFormatPNG, Data: data})
			if err == nil {
				widths[i] = img.Bounds().Dx()
			}
		}(i, data)
	}
	wg.Wait()

	for i, w := range widths {
		assert.Equal(t, 4+i, w)
	}
}
