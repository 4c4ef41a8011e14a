package assetwriter

import (
	"image"
	"sync"
)

// framePool recycles NV12 frame buffers of a single size. Each adaptor owns
// one, so differently sized writers never contaminate each other.
type framePool struct {
	size int
	pool sync.Pool
}

func newFramePool(size int) *framePool {
	return &framePool{size: size}
}

func (p *framePool) Get() []byte {
	if v := p.pool.Get(); v != nil {
		return v.([]byte)
	}
	return make([]byte, p.size)
}

func (p *framePool) Put(buf []byte) {
	if len(buf) != p.size {
		return
	}
	p.pool.Put(buf)
}

// rgbaPool recycles RGBA rasters of a fixed size.
type rgbaPool struct {
	rect image.Rectangle
	pool sync.Pool
}

func (p *rgbaPool) Get() *image.RGBA {
	if v := p.pool.Get(); v != nil {
		return v.(*image.RGBA)
	}
	return image.NewRGBA(p.rect)
}

func (p *rgbaPool) Put(img *image.RGBA) {
	if img == nil || img.Rect != p.rect {
		return
	}
	p.pool.Put(img)
}

// NV12 returns img converted to a freshly allocated NV12 frame.
func NV12(img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	dst := make([]byte, w*h+w*h/2)
	rgbaToNV12(dst, img.Pix, w, h, img.Stride)
	return dst
}

// rgbaToNV12 writes RGBA pixels into dst as NV12: a w*h Y plane followed by
// an interleaved UV plane of w*h/2 bytes, BT.601 limited range in fixed-point
// integer arithmetic. For 0-255 input, Y lands in [16,235] and UV in
// [16,240] so no clamping is needed. width and height must be even.
//
// Two passes (Y, then UV from the top-left pixel of each 2x2 block) keep the
// hot Y loop branch-free.
func rgbaToNV12(dst, rgba []byte, width, height, stride int) {
	if len(rgba) < (height-1)*stride+width*4 {
		clear(dst)
		return
	}
	yPlane := dst[:width*height]
	uvPlane := dst[width*height:]

	w4 := width &^ 3
	for y := 0; y < height; y++ {
		row := rgba[y*stride : y*stride+width*4]
		yRow := yPlane[y*width : (y+1)*width]

		x := 0
		for ; x < w4; x += 4 {
			pi := x * 4
			yRow[x] = luma(row[pi], row[pi+1], row[pi+2])
			yRow[x+1] = luma(row[pi+4], row[pi+5], row[pi+6])
			yRow[x+2] = luma(row[pi+8], row[pi+9], row[pi+10])
			yRow[x+3] = luma(row[pi+12], row[pi+13], row[pi+14])
		}
		for ; x < width; x++ {
			pi := x * 4
			yRow[x] = luma(row[pi], row[pi+1], row[pi+2])
		}
	}

	for y := 0; y < height; y += 2 {
		row := rgba[y*stride : y*stride+width*4]
		uvRow := uvPlane[(y/2)*width : (y/2+1)*width]

		for x := 0; x < width; x += 2 {
			pi := x * 4
			r, g, b := int(row[pi]), int(row[pi+1]), int(row[pi+2])
			uvRow[x] = byte((-38*r-74*g+112*b+128)>>8 + 128)
			uvRow[x+1] = byte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}
}

func luma(r, g, b byte) byte {
	return byte((66*int(r)+129*int(g)+25*int(b)+128)>>8 + 16)
}
