package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"diffusion_backend/tensor"
)

// ImageAlignment is the pixel multiple every input image is cut down to.
// Eight for the VAE stride times eight for the UNet's three downsamplings.
const ImageAlignment = 64

// PNG magic bytes for file identification
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// Image validation errors
var (
	ErrImageEmpty      = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG     = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageTooSmall   = errors.New("sdruntime: image data too small to be valid")
	ErrImageDecodeFail = errors.New("sdruntime: failed to decode image")
)

// IsPNG checks if the given data starts with PNG magic bytes.
func IsPNG(data []byte) bool {
	if len(data) < len(pngMagic) {
		return false
	}
	return bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// ValidateImageData validates that data is a valid PNG image.
func ValidateImageData(data []byte) error {
	if len(data) == 0 {
		return ErrImageEmpty
	}

	// 8 (signature) + 25 (IHDR) + 12 (IEND) = 45 bytes minimum
	if len(data) < 45 {
		return ErrImageTooSmall
	}

	if !IsPNG(data) {
		return ErrImageNotPNG
	}

	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}

	return nil
}

// DecodeImage decodes PNG, JPEG, GIF, BMP, TIFF or WebP data.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, ErrImageEmpty)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrInvalidImage, ErrImageDecodeFail, err)
	}
	return img, nil
}

// LoadImageFile reads an image from disk and returns it as a [1,H,W,3] pixel
// tensor in [0,255], resized down to the nearest multiple of ImageAlignment.
func LoadImageFile(path string) (*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return ImageToPixels(img)
}

// ImageToPixels converts img to RGB, resizes it to aligned dimensions with
// Catmull-Rom filtering, and returns a [1,H,W,3] tensor in [0,255].
func ImageToPixels(img image.Image) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	w := bounds.Dx() - bounds.Dx()%ImageAlignment
	h := bounds.Dy() - bounds.Dy()%ImageAlignment
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: image %dx%d is smaller than %d pixels", ErrInvalidShape, bounds.Dx(), bounds.Dy(), ImageAlignment)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(rgba, rgba.Bounds(), img, bounds, draw.Src, nil)
	}

	out := tensor.New(1, h, w, 3)
	data := out.Data()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := rgba.PixOffset(x, y)
			o := (y*w + x) * 3
			data[o] = float64(rgba.Pix[p])
			data[o+1] = float64(rgba.Pix[p+1])
			data[o+2] = float64(rgba.Pix[p+2])
		}
	}
	return out, nil
}

// PreparePixels accepts a caller-supplied [H,W,3] or [1,H,W,3] array, crops it
// to aligned dimensions and rescales it to [0,255]. Arrays whose maximum is at
// most 2 are taken to be in [0,1] and multiplied by 255; a near-black image
// in [0,255] is misread the same way.
func PreparePixels(pixels *tensor.Tensor) (*tensor.Tensor, error) {
	shape := pixels.Shape()
	if len(shape) == 3 {
		shape = append([]int{1}, shape...)
	}
	if len(shape) != 4 || shape[0] != 1 || shape[3] != 3 {
		return nil, fmt.Errorf("%w: pixel array %v must be [H,W,3] or [1,H,W,3]", ErrInvalidShape, pixels.Shape())
	}
	h0, w0 := shape[1], shape[2]
	h, w := h0-h0%ImageAlignment, w0-w0%ImageAlignment
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("%w: pixel array %dx%d is smaller than %d pixels", ErrInvalidShape, w0, h0, ImageAlignment)
	}

	src := pixels.Data()
	out := tensor.New(1, h, w, 3)
	dst := out.Data()
	for y := 0; y < h; y++ {
		copy(dst[y*w*3:(y+1)*w*3], src[y*w0*3:y*w0*3+w*3])
	}
	if out.Max() <= 2 {
		out = out.Scale(255)
	}
	return out, nil
}

// NormalizePixels maps [0,255] to [-1,1].
func NormalizePixels(pixels *tensor.Tensor) *tensor.Tensor {
	return pixels.Apply(func(v float64) float64 { return v/127.5 - 1 })
}

// TensorToImages converts decoder output [B,H,W,3] in [-1,1] to RGBA images.
func TensorToImages(t *tensor.Tensor) ([]*image.RGBA, error) {
	if t.Rank() != 4 || t.Dim(3) != 3 {
		return nil, fmt.Errorf("%w: decoded image %v must be [B,H,W,3]", ErrInvalidShape, t.Shape())
	}
	n, h, w := t.Dim(0), t.Dim(1), t.Dim(2)
	data := t.Data()
	images := make([]*image.RGBA, n)
	for b := range images {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		base := b * h * w * 3
		for i := 0; i < h*w; i++ {
			img.Pix[i*4] = toByte(data[base+i*3])
			img.Pix[i*4+1] = toByte(data[base+i*3+1])
			img.Pix[i*4+2] = toByte(data[base+i*3+2])
			img.Pix[i*4+3] = 0xff
		}
		images[b] = img
	}
	return images, nil
}

func toByte(v float64) uint8 {
	p := math.Round((v + 1) * 127.5)
	return uint8(math.Min(math.Max(p, 0), 255))
}

// EncodeToPNG encodes an image to PNG bytes.
func EncodeToPNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return buf.Bytes(), nil
}

// TensorToPNGs encodes every image of a decoded batch.
func TensorToPNGs(t *tensor.Tensor) ([][]byte, error) {
	images, err := TensorToImages(t)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(images))
	for i, img := range images {
		if out[i], err = EncodeToPNG(img); err != nil {
			return nil, err
		}
	}
	return out, nil
}
