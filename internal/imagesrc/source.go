// Package imagesrc acquires per-camera grayscale images and segments them
// into dot blobs.
package imagesrc

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/gridcalib/internal/fsutil"
)

// ErrEndOfStream is returned by Grab once a source has no more images.
var ErrEndOfStream = errors.New("end of image stream")

// Source yields one image per camera per call.
type Source interface {
	// Grab returns the next image of every camera, in camera order.
	Grab(ctx context.Context) ([]*image.Gray, error)
	// Cameras is the number of images each Grab returns.
	Cameras() int
}

// imageExtensions are the formats the decoder understands.
var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff"}

// FileSequence replays image files from one directory per camera. Files are
// taken in name order and the stream ends when any camera runs out.
type FileSequence struct {
	fs    fsutil.FileSystem
	dirs  []string
	files [][]string
	next  int
}

// NewFileSequence lists the image files of each camera directory.
func NewFileSequence(fsys fsutil.FileSystem, dirs ...string) (*FileSequence, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("file sequence: no camera directories")
	}
	s := &FileSequence{fs: fsys, dirs: dirs, files: make([][]string, len(dirs))}
	for i, dir := range dirs {
		names, err := fsys.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("list camera %d images: %w", i, err)
		}
		for _, name := range names {
			if fsutil.HasExtension(name, imageExtensions...) {
				s.files[i] = append(s.files[i], name)
			}
		}
		if len(s.files[i]) == 0 {
			return nil, fmt.Errorf("camera %d: no images in %s", i, dir)
		}
	}
	return s, nil
}

// Cameras returns the number of camera directories.
func (s *FileSequence) Cameras() int { return len(s.dirs) }

// Len is the number of complete ticks in the sequence.
func (s *FileSequence) Len() int {
	n := len(s.files[0])
	for _, f := range s.files[1:] {
		n = min(n, len(f))
	}
	return n
}

// Grab decodes the next file of every camera.
func (s *FileSequence) Grab(ctx context.Context) ([]*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= s.Len() {
		return nil, ErrEndOfStream
	}
	out := make([]*image.Gray, len(s.dirs))
	for i, dir := range s.dirs {
		path := filepath.Join(dir, s.files[i][s.next])
		img, err := s.load(path)
		if err != nil {
			return nil, err
		}
		out[i] = img
	}
	s.next++
	return out, nil
}

func (s *FileSequence) load(path string) (*image.Gray, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ToGray(img), nil
}

// ToGray converts any image to 8-bit luminance with its origin at (0, 0).
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	nrgba := imaging.Grayscale(img)
	b := nrgba.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = row[4*x]
		}
	}
	return out
}
