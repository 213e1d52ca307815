package gif

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"math"

	"github.com/golang/freetype/truetype"
	"github.com/gorgonia/rpan"
	att "github.com/gorgonia/rpan/attnet"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/vecf32"
)

var regular *truetype.Font

const (
	dpi        = 72.0
	fontsize   = 12.0
	lineheight = 1.2
	cell       = 8 // pixels per attention map cell
	gap        = 6 // pixels between two group maps
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

// globPalette is a gray ramp. Index 0 is black, the last index is white.
var globPalette = func() color.Palette {
	retVal := make(color.Palette, 256)
	for i := range retVal {
		retVal[i] = color.Gray{uint8(i)}
	}
	return retVal
}()

// Encoder renders snapshots as an animated gif according to the rpan.OutputEncoder interface.
// Every time step of a snapshot is a frame showing the attention of each group of joints,
// summed over the group's joints, with the label and the prediction underneath.
type Encoder struct {
	font.Drawer
	io.Writer

	out  *gif.GIF
	face font.Face

	padH, padW int // padding so everything don't start at the topleft
	delay      int // per frame, in 100ths of a second
}

// NewGifEncoder creates an encoder that writes to w when flushed.
func NewGifEncoder(w io.Writer) *Encoder {
	face := truetype.NewFace(regular, &truetype.Options{
		Size:    fontsize,
		DPI:     dpi,
		Hinting: font.HintingFull,
	})
	return &Encoder{
		Writer: w,
		Drawer: font.Drawer{
			Src:  image.White,
			Face: face,
		},
		out:   &gif.GIF{LoopCount: 0},
		face:  face,
		padH:  10,
		padW:  10,
		delay: 50,
	}
}

// Encode a snapshot
func (enc *Encoder) Encode(s rpan.Snapshot) error {
	if s.Attention == nil || s.Probabilities == nil {
		return errors.New("cannot encode a snapshot without attention maps or probabilities")
	}
	ashp := s.Attention.Shape()
	if ashp.Dims() != 5 || ashp[0] != att.NumGroups || ashp[4] != att.Joints || ashp[2] != ashp[3] {
		return errors.Errorf("cannot encode attention maps shaped %v", ashp)
	}
	steps, grid := ashp[1], ashp[2]
	pshp := s.Probabilities.Shape()
	if pshp.Dims() != 2 || pshp[0] != steps {
		return errors.Errorf("cannot encode probabilities shaped %v with %d steps", pshp, steps)
	}
	classes := pshp[1]

	maps := s.Attention.Data().([]float32)
	probs := s.Probabilities.Data().([]float32)
	dy := int(math.Ceil(fontsize * lineheight * dpi / 72))
	side := grid * cell
	w := enc.padW*2 + att.NumGroups*side + (att.NumGroups-1)*gap
	h := enc.padH*2 + dy + side + 3*dy

	plane := make([]float32, grid*grid)
	for t := 0; t < steps; t++ {
		im := image.NewPaletted(image.Rect(0, 0, w, h), globPalette)
		draw.Draw(im, im.Bounds(), image.Black, image.ZP, draw.Src)
		enc.Dst = im

		y := enc.padH + dy
		for g := 0; g < att.NumGroups; g++ {
			x0 := enc.padW + g*(side+gap)
			enc.Dot = fixed.P(x0, y-2)
			enc.DrawString(att.Group(g).String())

			start := (g*steps + t) * grid * grid * att.Joints
			groupPlane(maps[start:start+grid*grid*att.Joints], att.Group(g), plane)
			drawPlane(im, plane, grid, x0, y)
		}
		y += side + dy

		p := probs[t*classes : (t+1)*classes]
		predicted := vecf32.Argmax(p)
		label := -1
		if t < len(s.Labels) {
			label = s.Labels[t]
		}
		enc.Dot = fixed.P(enc.padW, y)
		enc.DrawString(fmt.Sprintf("%s epoch %d, step %d", s.Name, s.Epoch, t))
		y += dy
		enc.Dot = fixed.P(enc.padW, y)
		enc.DrawString(fmt.Sprintf("label %d, predicted %d (%.2f)", label, predicted, p[predicted]))

		enc.out.Image = append(enc.out.Image, im)
		enc.out.Delay = append(enc.out.Delay, enc.delay)
	}
	return nil
}

// Flush writes the gif into the writer
func (enc *Encoder) Flush() error {
	if len(enc.out.Image) == 0 {
		return errors.New("nothing to flush")
	}
	return gif.EncodeAll(enc.Writer, enc.out)
}

// groupPlane sums the attention of the group's joints at each position and rescales the
// result to [0, 1].
func groupPlane(maps []float32, g att.Group, plane []float32) {
	for p := range plane {
		plane[p] = 0
		for _, j := range att.Members[g] {
			plane[p] += maps[p*att.Joints+j]
		}
	}
	peak := plane[vecf32.Argmax(plane)]
	if peak > 0 {
		vecf32.Scale(plane, 1/peak)
	}
}

func drawPlane(im *image.Paletted, plane []float32, grid, x0, y0 int) {
	for p, v := range plane {
		px := x0 + (p%grid)*cell
		py := y0 + (p/grid)*cell
		idx := uint8(v * float32(len(globPalette)-1))
		draw.Draw(im, image.Rect(px, py, px+cell, py+cell), &image.Uniform{globPalette[idx]}, image.ZP, draw.Src)
	}
}
