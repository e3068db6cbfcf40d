package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// ChannelOrder is the plane order the model expects in its CHW input.
type ChannelOrder string

const (
	ChannelOrderRGB ChannelOrder = "rgb"
	ChannelOrderBGR ChannelOrder = "bgr"
)

// Preprocessor resizes a frame to the model input and writes it as
// normalized planar floats.
type Preprocessor struct {
	size       int
	order      ChannelOrder
	numWorkers int
}

func NewPreprocessor(size int, order ChannelOrder) *Preprocessor {
	if order == "" {
		order = ChannelOrderRGB
	}
	return &Preprocessor{
		size:       size,
		order:      order,
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

// Fill writes img into dst, which must hold 3*size*size values.
func (p *Preprocessor) Fill(img image.Image, dst []float32) error {
	if len(dst) != 3*p.size*p.size {
		return errors.Errorf("input buffer holds %d values, want %d", len(dst), 3*p.size*p.size)
	}
	resized := imaging.Resize(img, p.size, p.size, imaging.Linear)

	first, third := 0, 2
	if p.order == ChannelOrderBGR {
		first, third = 2, 0
	}
	p.processParallel(resized, dst, first, third)
	return nil
}

func (p *Preprocessor) processParallel(img *image.NRGBA, buffer []float32, first, third int) {
	channelSize := p.size * p.size
	workers := p.numWorkers
	if workers > p.size {
		workers = p.size
	}
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = p.size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride : y*img.Stride+p.size*4]
				offset := y * p.size
				for x := 0; x < p.size; x++ {
					i := offset + x
					buffer[first*channelSize+i] = float32(src[x*4]) / 255.0
					buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
					buffer[third*channelSize+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}
