package captcha

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	apperrors "github.com/adverant/nexus/vigencia-worker/internal/errors"
)

// RawImage is a captcha as captured: interleaved 8-bit samples, row-major,
// Channels per pixel (1 gray, 3 RGB, 4 RGBA).
type RawImage struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// DecodeRawImage decodes PNG, JPEG or GIF bytes.
func DecodeRawImage(data []byte) (*RawImage, error) {
	if len(data) == 0 {
		return nil, apperrors.NewInvalidImageError("empty image data", nil)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		e := apperrors.NewInvalidImageError("undecodable image data", map[string]interface{}{
			"bytes": len(data),
		})
		e.Cause = err
		return nil, e
	}
	raw := RawImageFromImage(img)
	if raw.Width == 0 || raw.Height == 0 {
		return nil, apperrors.NewInvalidImageError("zero-size image", map[string]interface{}{
			"format": format,
		})
	}
	return raw, nil
}

// RawImageFromImage copies img into a RawImage. Gray images keep one channel;
// everything else becomes RGBA.
func RawImageFromImage(img image.Image) *RawImage {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok {
		raw := &RawImage{Width: b.Dx(), Height: b.Dy(), Channels: 1, Pix: make([]byte, b.Dx()*b.Dy())}
		for y := 0; y < b.Dy(); y++ {
			row := g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):]
			copy(raw.Pix[y*b.Dx():(y+1)*b.Dx()], row[:b.Dx()])
		}
		return raw
	}
	// imaging.Clone yields a tightly packed NRGBA anchored at (0,0).
	n := imaging.Clone(img)
	return &RawImage{Width: b.Dx(), Height: b.Dy(), Channels: 4, Pix: n.Pix}
}

// Validate reports InvalidImage for zero sizes, unsupported channel counts and
// buffers that do not match the declared geometry.
func (r *RawImage) Validate() error {
	if r == nil {
		return apperrors.NewInvalidImageError("nil image", nil)
	}
	details := map[string]interface{}{
		"width":    r.Width,
		"height":   r.Height,
		"channels": r.Channels,
	}
	if r.Width <= 0 || r.Height <= 0 {
		return apperrors.NewInvalidImageError("zero-size image", details)
	}
	if r.Channels != 1 && r.Channels != 3 && r.Channels != 4 {
		return apperrors.NewInvalidImageError("unsupported channel count", details)
	}
	if len(r.Pix) != r.Width*r.Height*r.Channels {
		details["pix_len"] = len(r.Pix)
		return apperrors.NewInvalidImageError("pixel buffer does not match dimensions", details)
	}
	return nil
}

// Image returns r as a standard library image without touching r.Pix.
func (r *RawImage) Image() image.Image {
	rect := image.Rect(0, 0, r.Width, r.Height)
	switch r.Channels {
	case 1:
		g := image.NewGray(rect)
		copy(g.Pix, r.Pix)
		return g
	case 3:
		n := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(r.Pix); i, j = i+3, j+4 {
			n.Pix[j] = r.Pix[i]
			n.Pix[j+1] = r.Pix[i+1]
			n.Pix[j+2] = r.Pix[i+2]
			n.Pix[j+3] = 0xff
		}
		return n
	default:
		n := image.NewNRGBA(rect)
		copy(n.Pix, r.Pix)
		return n
	}
}

// grayFrom extracts the red channel of an imaging result. Every stage after
// grayscale conversion keeps R == G == B.
func grayFrom(n *image.NRGBA) *image.Gray {
	b := n.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := n.Pix[n.PixOffset(b.Min.X, b.Min.Y+y):]
		dst := g.Pix[y*g.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst[x] = src[x*4]
		}
	}
	return g
}

func grayColor(v uint8) color.Gray {
	return color.Gray{Y: v}
}
