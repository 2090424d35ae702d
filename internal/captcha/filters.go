package captcha

import (
	"image"
	"math"
)

// reflect101 maps an out-of-range index back into [0, n) mirroring around the
// edge pixel (dcb|abcd|cba), the default border mode of most filter libraries.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func clampUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// bilateral applies an edge-preserving smoothing filter over a circular
// window of the given diameter.
func bilateral(src *image.Gray, diameter int, sigmaColor, sigmaSpace float64) *image.Gray {
	if diameter <= 1 || sigmaColor <= 0 || sigmaSpace <= 0 {
		return cloneGray(src)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	radius := diameter / 2

	type tap struct {
		dx, dy int
		weight float64
	}
	spaceCoeff := -0.5 / (sigmaSpace * sigmaSpace)
	var taps []tap
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r := math.Sqrt(float64(dx*dx + dy*dy))
			if r > float64(radius) {
				continue
			}
			taps = append(taps, tap{dx, dy, math.Exp(r * r * spaceCoeff)})
		}
	}

	colorCoeff := -0.5 / (sigmaColor * sigmaColor)
	var colorWeight [256]float64
	for i := range colorWeight {
		colorWeight[i] = math.Exp(float64(i*i) * colorCoeff)
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			center := int(src.Pix[y*src.Stride+x])
			var sum, norm float64
			for _, t := range taps {
				sx := reflect101(x+t.dx, w)
				sy := reflect101(y+t.dy, h)
				v := int(src.Pix[sy*src.Stride+sx])
				diff := v - center
				if diff < 0 {
					diff = -diff
				}
				wgt := t.weight * colorWeight[diff]
				sum += wgt * float64(v)
				norm += wgt
			}
			dst.Pix[y*dst.Stride+x] = clampUint8(sum / norm)
		}
	}
	return dst
}

// blend returns degenerate + factor*(img - degenerate), clipped to 0..255.
// factor 1 reproduces img; factor 0 reproduces degenerate.
func blend(img, degenerate *image.Gray, factor float64) *image.Gray {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := float64(img.Pix[y*img.Stride+x])
			d := float64(degenerate.Pix[y*degenerate.Stride+x])
			dst.Pix[y*dst.Stride+x] = clampUint8(d + factor*(o-d))
		}
	}
	return dst
}

// thresholdAgainst binarizes src against a per-pixel local mean: a pixel is
// background (255) when it is brighter than mean - bias, else foreground (0).
func thresholdAgainst(src, mean *image.Gray, bias float64) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	delta := int(math.Ceil(bias))
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := int(src.Pix[y*src.Stride+x])
			m := int(mean.Pix[y*mean.Stride+x])
			if s-m > -delta {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// gaussianSigmaForBlock derives the Gaussian sigma conventionally paired with
// an odd block size.
func gaussianSigmaForBlock(block int) float64 {
	return 0.3*((float64(block)-1)*0.5-1) + 0.8
}

// morph applies a square min (erode) or max (dilate) filter of size k.
// Out-of-image taps are ignored.
func morph(src *image.Gray, k int, dilate bool) *image.Gray {
	if k <= 1 {
		return cloneGray(src)
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	lo := -(k / 2)
	hi := k - 1 + lo
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			best := uint8(255)
			if dilate {
				best = 0
			}
			for dy := lo; dy <= hi; dy++ {
				sy := y + dy
				if sy < 0 || sy >= h {
					continue
				}
				for dx := lo; dx <= hi; dx++ {
					sx := x + dx
					if sx < 0 || sx >= w {
						continue
					}
					v := src.Pix[sy*src.Stride+sx]
					if dilate && v > best || !dilate && v < best {
						best = v
					}
				}
			}
			dst.Pix[y*dst.Stride+x] = best
		}
	}
	return dst
}

func repeatMorph(src *image.Gray, k, iterations int, dilate bool) *image.Gray {
	out := src
	for i := 0; i < iterations; i++ {
		out = morph(out, k, dilate)
	}
	if out == src {
		out = cloneGray(src)
	}
	return out
}

func cloneGray(src *image.Gray) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], src.Pix[src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y):])
	}
	return dst
}
