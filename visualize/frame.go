// Package visualize renders observations, episodes and
// abstract state statistics.
package visualize

import (
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"math"
	"os"

	"github.com/bisimlab/bisim/dataset"
	"github.com/llgcode/draw2d/draw2dimg"
	"github.com/unixpickle/essentials"
)

const (
	cellSize    = 16
	cellPadding = 1

	// FrameDelay is the GIF frame delay, in 100ths of a
	// second.
	FrameDelay = 20
)

var channelColors = []color.RGBA{
	{R: 0x3b, G: 0x82, B: 0xf6, A: 0xff},
	{R: 0xf5, G: 0x9e, B: 0x0b, A: 0xff},
	{R: 0x94, G: 0xa3, B: 0xb8, A: 0xff},
	{R: 0xef, G: 0x44, B: 0x44, A: 0xff},
	{R: 0x10, G: 0xb9, B: 0x81, A: 0xff},
	{R: 0x8b, G: 0x5c, B: 0xf6, A: 0xff},
}

// Frame draws an observation as a grid of cells.
//
// Every cell takes the color of its strongest channel,
// faded by the channel's value.
func Frame(obs []float64, shape dataset.Shape) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, shape.Width*cellSize, shape.Height*cellSize))
	gc := draw2dimg.NewGraphicContext(img)
	gc.SetFillColor(color.Black)
	gc.BeginPath()
	rect(gc, 0, 0, float64(img.Bounds().Dx()), float64(img.Bounds().Dy()))
	gc.Fill()

	gc.SetLineWidth(cellPadding)
	gc.SetStrokeColor(color.Gray{Y: 0x30})
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			cell := obs[(y*shape.Width+x)*shape.Depth:][:shape.Depth]
			gc.SetFillColor(cellColor(cell))
			gc.BeginPath()
			rect(gc, float64(x*cellSize), float64(y*cellSize), cellSize, cellSize)
			gc.FillStroke()
		}
	}
	return img
}

func rect(gc *draw2dimg.GraphicContext, x, y, w, h float64) {
	gc.MoveTo(x, y)
	gc.LineTo(x+w, y)
	gc.LineTo(x+w, y+h)
	gc.LineTo(x, y+h)
	gc.Close()
}

func cellColor(cell []float64) color.Color {
	best := -1
	bestVal := 0.0
	for i, v := range cell {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return color.Black
	}
	c := channelColors[best%len(channelColors)]
	frac := math.Min(1, bestVal)
	return color.RGBA{
		R: uint8(float64(c.R) * frac),
		G: uint8(float64(c.G) * frac),
		B: uint8(float64(c.B) * frac),
		A: 0xff,
	}
}

// Animation converts frames into a GIF.
func Animation(frames []image.Image) *gif.GIF {
	res := &gif.GIF{}
	for _, frame := range frames {
		p := image.NewPaletted(frame.Bounds(), palette.Plan9)
		draw.Draw(p, p.Bounds(), frame, frame.Bounds().Min, draw.Src)
		res.Image = append(res.Image, p)
		res.Delay = append(res.Delay, FrameDelay)
	}
	return res
}

// SaveEpisode renders the observations of an episode to
// a GIF file.
func SaveEpisode(path string, observations [][]float64, shape dataset.Shape) (err error) {
	defer essentials.AddCtxTo("save episode", &err)
	frames := make([]image.Image, len(observations))
	for i, obs := range observations {
		frames[i] = Frame(obs, shape)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gif.EncodeAll(f, Animation(frames))
}
