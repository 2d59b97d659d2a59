// Package pass renders printable visitor passes as PNG artifacts.
package pass

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/and161185/visitgate/internal/model"
)

const (
	passWidth  = 400
	passHeight = 560

	photoSize = 224
	photoTop  = 56
	marginX   = 24
	lineGap   = 22
)

// Renderer composes visitor passes into an output directory.
type Renderer struct {
	dir string
}

// New returns a Renderer writing artifacts under dir. The directory is
// created if missing.
func New(dir string) (*Renderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pass dir: %w", err)
	}
	return &Renderer{dir: dir}, nil
}

// Render draws the pass for inv, embedding photo when non-empty, and returns
// the path of the written PNG.
func (r *Renderer) Render(inv model.Invite, photo []byte) (string, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, passWidth, passHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	// header band
	header := image.Rect(0, 0, passWidth, 40)
	draw.Draw(canvas, header, image.NewUniform(color.RGBA{R: 0x1f, G: 0x3a, B: 0x5f, A: 0xff}), image.Point{}, draw.Src)
	drawText(canvas, marginX, 26, "VISITOR PASS", color.White)

	if len(photo) > 0 {
		if err := drawPhoto(canvas, photo); err != nil {
			return "", fmt.Errorf("embed photo: %w", err)
		}
	}

	y := photoTop + photoSize + 36
	ink := color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	faint := color.RGBA{R: 0x70, G: 0x70, B: 0x70, A: 0xff}

	drawText(canvas, marginX, y, inv.Name, ink)
	y += lineGap + 6
	if inv.Purpose != "" {
		drawText(canvas, marginX, y, "Purpose: "+inv.Purpose, ink)
		y += lineGap
	}
	if !inv.VisitTime.IsZero() {
		drawText(canvas, marginX, y, "Visit: "+inv.VisitTime.Format("Jan 2, 2006 15:04"), ink)
		y += lineGap
	}
	if inv.InvitedBy != "" {
		drawText(canvas, marginX, y, "Invited by: "+inv.InvitedBy, ink)
		y += lineGap
	}
	drawText(canvas, marginX, y, "Code: "+inv.Code, faint)

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("pass name: %w", err)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("pass-%s.png", id))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create pass file: %w", err)
	}
	if err := png.Encode(f, canvas); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encode pass: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write pass: %w", err)
	}
	return path, nil
}

// drawPhoto decodes the visitor photo and centers it in the photo slot,
// scaled with nearest-neighbor to keep the dependency surface small.
func drawPhoto(canvas *image.RGBA, data []byte) error {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	slot := image.Rect((passWidth-photoSize)/2, photoTop, (passWidth+photoSize)/2, photoTop+photoSize)
	sb := src.Bounds()
	for y := slot.Min.Y; y < slot.Max.Y; y++ {
		for x := slot.Min.X; x < slot.Max.X; x++ {
			sx := sb.Min.X + (x-slot.Min.X)*sb.Dx()/photoSize
			sy := sb.Min.Y + (y-slot.Min.Y)*sb.Dy()/photoSize
			canvas.Set(x, y, src.At(sx, sy))
		}
	}
	return nil
}

func drawText(dst *image.RGBA, x, y int, s string, c color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
