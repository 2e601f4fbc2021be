package imagesrc

import (
	"image"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/segment"
	"github.com/golang/geo/r2"

	"github.com/banshee-data/gridcalib/internal/config"
	"github.com/banshee-data/gridcalib/internal/conic"
)

// Params controls blob segmentation.
type Params struct {
	// WindowRatio sets the local-mean window to image width / WindowRatio.
	// Zero selects a single global threshold.
	WindowRatio float64
	// ThresholdRatio scales the local mean into the foreground threshold.
	ThresholdRatio float64
	// BlackOnWhite selects dark dots on a light background.
	BlackOnWhite bool
	// MaxAreaFraction drops components larger than this share of the image.
	MaxAreaFraction float64
}

// DefaultParams returns the built-in segmentation settings.
func DefaultParams() Params {
	return ParamsFromTuning(config.EmptyTuningConfig())
}

// ParamsFromTuning reads segmentation settings from cfg.
func ParamsFromTuning(cfg *config.TuningConfig) Params {
	return Params{
		WindowRatio:     30,
		ThresholdRatio:  cfg.GetThresholdRatio(),
		BlackOnWhite:    cfg.GetBlackOnWhite(),
		MaxAreaFraction: 0.05,
	}
}

// ExtractBlobs segments img against its local mean and returns one blob per
// 4-connected foreground component, in raster order of first pixel.
// Components touching the image border are dropped.
func ExtractBlobs(img *image.Gray, p Params) []conic.Blob {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	mask := foreground(img, p)

	maxArea := float64(w*h) * p.MaxAreaFraction
	if p.MaxAreaFraction <= 0 {
		maxArea = float64(w * h)
	}

	labelled := make([]bool, w*h)
	var stack []int
	var blobs []conic.Blob
	for start := range mask {
		if !mask[start] || labelled[start] {
			continue
		}
		var c component
		c.init(start%w, start/w)
		labelled[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			c.add(x, y, img.Pix[y*img.Stride+x])
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					c.border = true
					continue
				}
				j := ny*w + nx
				if mask[j] && !labelled[j] {
					labelled[j] = true
					stack = append(stack, j)
				}
			}
		}
		if c.border || float64(c.n) > maxArea {
			continue
		}
		blobs = append(blobs, c.blob(b.Min))
	}
	return blobs
}

// foreground marks dot pixels. Indexing is relative to the image bounds.
func foreground(img *image.Gray, p Params) []bool {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	mask := make([]bool, w*h)

	if p.WindowRatio <= 0 {
		sum := 0
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum += int(img.Pix[y*img.Stride+x])
			}
		}
		level := float64(sum) / float64(w*h) * p.ThresholdRatio
		if !p.BlackOnWhite {
			level = float64(sum) / float64(w*h) / p.ThresholdRatio
		}
		bin := segment.Threshold(img, clampByte(level))
		bb := bin.Bounds()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				on := bin.GrayAt(bb.Min.X+x, bb.Min.Y+y).Y != 0
				mask[y*w+x] = on != p.BlackOnWhite
			}
		}
		return mask
	}

	radius := float64(w) / p.WindowRatio / 2
	if radius < 1 {
		radius = 1
	}
	mean := blur.Box(img, radius)
	mb := mean.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(img.Pix[y*img.Stride+x])
			m := float64(mean.RGBAAt(mb.Min.X+x, mb.Min.Y+y).R)
			if p.BlackOnWhite {
				mask[y*w+x] = v < m*p.ThresholdRatio
			} else {
				mask[y*w+x] = v*p.ThresholdRatio > m
			}
		}
	}
	return mask
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// component accumulates raw moments of one connected region.
type component struct {
	n             int
	sx, sy        float64
	sxx, syy, sxy float64
	intensity     float64
	minX, minY    int
	maxX, maxY    int
	border        bool
}

func (c *component) init(x, y int) {
	c.minX, c.maxX, c.minY, c.maxY = x, x, y, y
}

func (c *component) add(x, y int, v uint8) {
	fx, fy := float64(x), float64(y)
	c.n++
	c.sx += fx
	c.sy += fy
	c.sxx += fx * fx
	c.syy += fy * fy
	c.sxy += fx * fy
	c.intensity += float64(v)
	c.minX, c.maxX = min(c.minX, x), max(c.maxX, x)
	c.minY, c.maxY = min(c.minY, y), max(c.maxY, y)
}

func (c *component) blob(origin image.Point) conic.Blob {
	n := float64(c.n)
	mx, my := c.sx/n, c.sy/n
	return conic.Blob{
		Center:        r2.Point{X: mx + float64(origin.X), Y: my + float64(origin.Y)},
		BBox:          image.Rect(c.minX, c.minY, c.maxX+1, c.maxY+1).Add(origin),
		Area:          n,
		Aspect:        conic.AxisRatio(c.sxx/n-mx*mx, c.syy/n-my*my, c.sxy/n-mx*my),
		MeanIntensity: c.intensity / n,
	}
}
