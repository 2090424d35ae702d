package captcha

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
)

func noisyCaptcha(w, h, channels int) *RawImage {
	rng := rand.New(rand.NewSource(42))
	pix := make([]byte, w*h*channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// light background with a dark vertical bar and random speckle
			v := 200 + rng.Intn(40)
			if x%15 < 3 && y > 3 && y < h-3 {
				v = 30 + rng.Intn(20)
			}
			for c := 0; c < channels; c++ {
				pix[(y*w+x)*channels+c] = byte(v)
			}
			if channels == 4 {
				pix[(y*w+x)*channels+3] = 255
			}
		}
	}
	return &RawImage{Width: w, Height: h, Channels: channels, Pix: pix}
}

func newTestPreprocessor(t *testing.T, sink StageSink) *Preprocessor {
	t.Helper()
	p, err := NewPreprocessor(DefaultOptions(), sink, nil)
	require.NoError(t, err)
	return p
}

func TestPreprocessGrowsPastPaddedSize(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	for _, channels := range []int{1, 3, 4} {
		raw := noisyCaptcha(60, 20, channels)
		out, err := p.Preprocess(raw)
		require.NoError(t, err)

		pw, ph := p.PaddedSize(raw.Width, raw.Height)
		assert.Greater(t, out.Bounds().Dx(), pw)
		assert.Greater(t, out.Bounds().Dy(), ph)
		assert.Equal(t, pw*3, out.Bounds().Dx())
		assert.Equal(t, ph*3, out.Bounds().Dy())
	}
}

func TestPreprocessSinglePixel(t *testing.T) {
	p := newTestPreprocessor(t, nil)
	out, err := p.Preprocess(&RawImage{Width: 1, Height: 1, Channels: 1, Pix: []byte{12}})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 63, 63), out.Bounds())
}

func TestPreprocessRejectsMalformedImages(t *testing.T) {
	p := newTestPreprocessor(t, nil)

	cases := map[string]*RawImage{
		"nil":            nil,
		"zero width":     {Width: 0, Height: 10, Channels: 1, Pix: nil},
		"zero height":    {Width: 10, Height: 0, Channels: 3, Pix: nil},
		"two channels":   {Width: 2, Height: 2, Channels: 2, Pix: make([]byte, 8)},
		"five channels":  {Width: 2, Height: 2, Channels: 5, Pix: make([]byte, 20)},
		"short buffer":   {Width: 4, Height: 4, Channels: 3, Pix: make([]byte, 10)},
		"oversized data": {Width: 1, Height: 1, Channels: 1, Pix: make([]byte, 2)},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Preprocess(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.InvalidImage)
		})
	}
}

func TestPreprocessEmitsStagesInOrder(t *testing.T) {
	sink := &MemorySink{}
	p := newTestPreprocessor(t, sink)

	_, err := p.Preprocess(noisyCaptcha(45, 18, 3))
	require.NoError(t, err)

	assert.Equal(t, []string{
		StageGrayscale, StageGaussianBlur, StageBilateral, StageSharpen,
		StageAdaptiveThreshold, StageClose, StageErode, StageBorder, StageUpscale,
	}, sink.Stages)
}

func TestThresholdStageIsBinary(t *testing.T) {
	sink := &MemorySink{}
	p := newTestPreprocessor(t, sink)

	_, err := p.Preprocess(noisyCaptcha(45, 18, 1))
	require.NoError(t, err)

	idx := indexOf(sink.Stages, StageAdaptiveThreshold)
	require.GreaterOrEqual(t, idx, 0)
	g, ok := sink.Images[idx].(*image.Gray)
	require.True(t, ok)
	for _, v := range g.Pix {
		require.True(t, v == 0 || v == 255, "non-binary value %d", v)
	}
}

func TestFlatImageBecomesBackground(t *testing.T) {
	p := newTestPreprocessor(t, nil)
	pix := bytes.Repeat([]byte{180}, 30*12)

	out, err := p.Preprocess(&RawImage{Width: 30, Height: 12, Channels: 1, Pix: pix})
	require.NoError(t, err)
	for _, v := range out.Pix {
		require.Equal(t, uint8(255), v)
	}
}

func TestBorderIsBackground(t *testing.T) {
	sink := &MemorySink{}
	p := newTestPreprocessor(t, sink)

	_, err := p.Preprocess(noisyCaptcha(40, 16, 3))
	require.NoError(t, err)

	bordered := sink.Images[indexOf(sink.Stages, StageBorder)].(*image.Gray)
	b := p.Options().BorderWidth
	for y := 0; y < bordered.Rect.Dy(); y++ {
		for x := 0; x < bordered.Rect.Dx(); x++ {
			inside := x >= b && x < bordered.Rect.Dx()-b && y >= b && y < bordered.Rect.Dy()-b
			if !inside {
				require.Equal(t, color.Gray{Y: 255}, bordered.GrayAt(x, y))
			}
		}
	}
}

func TestPreprocessDoesNotMutateInput(t *testing.T) {
	p := newTestPreprocessor(t, nil)
	raw := noisyCaptcha(30, 12, 4)
	before := append([]byte(nil), raw.Pix...)

	_, err := p.Preprocess(raw)
	require.NoError(t, err)
	assert.Equal(t, before, raw.Pix)
}

func TestOptionsValidate(t *testing.T) {
	bad := []func(*Options){
		func(o *Options) { o.AdaptiveBlockSize = 34 },
		func(o *Options) { o.AdaptiveBlockSize = 1 },
		func(o *Options) { o.ScaleFactor = 1 },
		func(o *Options) { o.CloseKernel = 0 },
		func(o *Options) { o.BorderWidth = -1 },
		func(o *Options) { o.GaussianSigma = -0.5 },
	}
	for i, mutate := range bad {
		o := DefaultOptions()
		mutate(&o)
		_, err := NewPreprocessor(o, nil, nil)
		assert.Error(t, err, "case %d", i)
	}
	assert.NoError(t, DefaultOptions().Validate())
}

func TestDecodeRawImage(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 7, 3))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	raw, err := DecodeRawImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 7, raw.Width)
	assert.Equal(t, 3, raw.Height)
	assert.Equal(t, 4, raw.Channels)
	assert.Len(t, raw.Pix, 7*3*4)

	gray := image.NewGray(image.Rect(0, 0, 5, 2))
	buf.Reset()
	require.NoError(t, png.Encode(&buf, gray))
	raw, err = DecodeRawImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, raw.Channels)

	_, err = DecodeRawImage([]byte("<html>not an image</html>"))
	assert.ErrorIs(t, err, apperrors.InvalidImage)

	_, err = DecodeRawImage(nil)
	assert.ErrorIs(t, err, apperrors.InvalidImage)
}

func TestMorphology(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 5, 5))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	src.SetGray(2, 2, color.Gray{Y: 0})

	eroded := morph(src, 3, false)
	dark := 0
	for _, v := range eroded.Pix {
		if v == 0 {
			dark++
		}
	}
	assert.Equal(t, 9, dark)

	dilated := morph(eroded, 3, true)
	assert.Equal(t, uint8(0), dilated.GrayAt(2, 2).Y)
	assert.Equal(t, uint8(255), dilated.GrayAt(1, 1).Y)

	assert.Equal(t, src.Pix, repeatMorph(src, 1, 10, true).Pix)
}

func TestReflect101(t *testing.T) {
	assert.Equal(t, 1, reflect101(-1, 5))
	assert.Equal(t, 2, reflect101(-2, 5))
	assert.Equal(t, 3, reflect101(5, 5))
	assert.Equal(t, 0, reflect101(-3, 1))
	assert.Equal(t, 1, reflect101(3, 2))
}

func TestGaussianSigmaForBlock(t *testing.T) {
	assert.InDelta(t, 5.6, gaussianSigmaForBlock(35), 1e-9)
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
