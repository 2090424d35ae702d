package captcha

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/adverant/nexus/vigencia-worker/internal/logging"
)

// Stage names handed to a StageSink, in pipeline order.
const (
	StageGrayscale         = "grayscale"
	StageGaussianBlur      = "gaussian_blur"
	StageBilateral         = "bilateral"
	StageSharpen           = "sharpen"
	StageAdaptiveThreshold = "adaptive_threshold"
	StageClose             = "close"
	StageErode             = "erode"
	StageBorder            = "border"
	StageUpscale           = "upscale"
)

// smoothKernel is the classic 3x3 smoothing mask used as the degenerate image
// for sharpness enhancement.
var smoothKernel = [9]float64{
	1, 1, 1,
	1, 5, 1,
	1, 1, 1,
}

// Options tunes each preprocessing stage. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	GaussianSigma float64

	BilateralDiameter   int
	BilateralSigmaColor float64
	BilateralSigmaSpace float64

	SharpnessFactor float64

	// AdaptiveBlockSize must be odd.
	AdaptiveBlockSize int
	AdaptiveC         float64

	CloseKernel     int
	CloseIterations int
	ErodeKernel     int
	ErodeIterations int

	BorderWidth int
	BorderValue uint8

	ScaleFactor int
}

// DefaultOptions returns the tuning the registry captcha was calibrated with.
// Close and erode use a 1x1 element, which leaves binary images unchanged;
// raise the kernels to reconnect strokes on noisier captchas.
func DefaultOptions() Options {
	return Options{
		GaussianSigma:       1,
		BilateralDiameter:   5,
		BilateralSigmaColor: 55,
		BilateralSigmaSpace: 55,
		SharpnessFactor:     3,
		AdaptiveBlockSize:   35,
		AdaptiveC:           5,
		CloseKernel:         1,
		CloseIterations:     10,
		ErodeKernel:         1,
		ErodeIterations:     1,
		BorderWidth:         10,
		BorderValue:         255,
		ScaleFactor:         3,
	}
}

// Validate rejects option sets that would break the output contract.
func (o Options) Validate() error {
	if o.GaussianSigma < 0 {
		return fmt.Errorf("gaussian sigma must not be negative, got %v", o.GaussianSigma)
	}
	if o.AdaptiveBlockSize < 3 || o.AdaptiveBlockSize%2 == 0 {
		return fmt.Errorf("adaptive block size must be odd and >= 3, got %d", o.AdaptiveBlockSize)
	}
	if o.CloseKernel < 1 || o.ErodeKernel < 1 {
		return fmt.Errorf("morphology kernels must be >= 1, got close=%d erode=%d", o.CloseKernel, o.ErodeKernel)
	}
	if o.CloseIterations < 0 || o.ErodeIterations < 0 {
		return fmt.Errorf("morphology iterations must not be negative")
	}
	if o.BorderWidth < 0 {
		return fmt.Errorf("border width must not be negative, got %d", o.BorderWidth)
	}
	if o.ScaleFactor < 2 {
		return fmt.Errorf("scale factor must be >= 2, got %d", o.ScaleFactor)
	}
	if o.SharpnessFactor < 0 {
		return fmt.Errorf("sharpness factor must not be negative, got %v", o.SharpnessFactor)
	}
	return nil
}

// Preprocessor turns a raw captcha into a high-contrast, padded, upscaled
// grayscale image for recognition. It holds no per-call state and is safe for
// concurrent use as long as its sink is.
type Preprocessor struct {
	opts   Options
	sink   StageSink
	logger *logging.Logger
}

// NewPreprocessor validates opts. sink may be nil.
func NewPreprocessor(opts Options, sink StageSink, logger *logging.Logger) (*Preprocessor, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preprocess options: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Preprocessor{opts: opts, sink: sink, logger: logger}, nil
}

// Options returns the active tuning.
func (p *Preprocessor) Options() Options {
	return p.opts
}

// Preprocess runs the full stage pipeline. Only malformed input fails.
func (p *Preprocessor) Preprocess(raw *RawImage) (*image.Gray, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	o := p.opts

	img := grayFrom(imaging.Grayscale(raw.Image()))
	p.emit(StageGrayscale, img)

	if o.GaussianSigma > 0 {
		img = grayFrom(imaging.Blur(img, o.GaussianSigma))
	}
	p.emit(StageGaussianBlur, img)

	img = bilateral(img, o.BilateralDiameter, o.BilateralSigmaColor, o.BilateralSigmaSpace)
	p.emit(StageBilateral, img)

	smooth := grayFrom(imaging.Convolve3x3(img, smoothKernel, &imaging.ConvolveOptions{Normalize: true}))
	img = blend(img, smooth, o.SharpnessFactor)
	p.emit(StageSharpen, img)

	mean := grayFrom(imaging.Blur(img, gaussianSigmaForBlock(o.AdaptiveBlockSize)))
	img = thresholdAgainst(img, mean, o.AdaptiveC)
	p.emit(StageAdaptiveThreshold, img)

	img = repeatMorph(img, o.CloseKernel, o.CloseIterations, true)
	img = repeatMorph(img, o.CloseKernel, o.CloseIterations, false)
	p.emit(StageClose, img)

	img = repeatMorph(img, o.ErodeKernel, o.ErodeIterations, false)
	p.emit(StageErode, img)

	img = p.pad(img)
	p.emit(StageBorder, img)

	img = p.upscale(img)
	p.emit(StageUpscale, img)

	return img, nil
}

// PaddedSize is the image size right before upscaling.
func (p *Preprocessor) PaddedSize(width, height int) (int, int) {
	return width + 2*p.opts.BorderWidth, height + 2*p.opts.BorderWidth
}

func (p *Preprocessor) pad(img *image.Gray) *image.Gray {
	b := p.opts.BorderWidth
	if b == 0 {
		return img
	}
	w, h := p.PaddedSize(img.Rect.Dx(), img.Rect.Dy())
	bg := imaging.New(w, h, grayColor(p.opts.BorderValue))
	return grayFrom(imaging.Paste(bg, img, image.Pt(b, b)))
}

func (p *Preprocessor) upscale(img *image.Gray) *image.Gray {
	f := p.opts.ScaleFactor
	dst := image.NewGray(image.Rect(0, 0, img.Rect.Dx()*f, img.Rect.Dy()*f))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

func (p *Preprocessor) emit(stage string, img image.Image) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Save(stage, img); err != nil {
		p.logger.Warn("Failed to save diagnostic stage", "stage", stage, "error", err)
	}
}
