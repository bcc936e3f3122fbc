package api

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// QROptions controls the rendered code.
type QROptions struct {
	// TargetPx is the output edge length.
	TargetPx int
	Fg       color.RGBA
	Bg       color.RGBA
	Mark     color.RGBA
	// MarkBoxFrac is the share of the edge cleared for the orbit mark,
	// clamped to 0.15..0.30 so ECC=H can still recover the covered modules.
	MarkBoxFrac float64
}

// EncodeQRPNG writes data as a QR code with an orbit mark in the middle.
func EncodeQRPNG(w io.Writer, data string, opt QROptions) error {
	if opt.TargetPx <= 0 {
		opt.TargetPx = 512
	}
	if opt.MarkBoxFrac <= 0 {
		opt.MarkBoxFrac = 0.24
	}
	opt.MarkBoxFrac = math.Max(0.15, math.Min(0.30, opt.MarkBoxFrac))
	if (opt.Fg == color.RGBA{}) {
		opt.Fg = color.RGBA{0x0B, 0x16, 0x2C, 0xFF}
	}
	if (opt.Bg == color.RGBA{}) {
		opt.Bg = color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}
	}
	if (opt.Mark == color.RGBA{}) {
		opt.Mark = color.RGBA{0x1F, 0x6F, 0xEB, 0xFF}
	}

	qr, err := qrcode.New(data, qrcode.Highest)
	if err != nil {
		return err
	}
	qr.ForegroundColor = opt.Fg
	qr.BackgroundColor = opt.Bg

	src := qr.Image(opt.TargetPx)
	b := src.Bounds()
	W, H := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, W, H))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	box := int(opt.MarkBoxFrac * float64(min(W, H)))
	box -= box % 2
	cx, cy := W/2, H/2
	fillRect(dst, cx-box/2, cy-box/2, box, box, opt.Bg)
	drawOrbit(dst, cx, cy, box, opt.Mark)

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, dst)
}

// drawOrbit draws a planet, its orbit ring and a station on the ring.
func drawOrbit(dst *image.RGBA, cx, cy, box int, col color.RGBA) {
	half := box / 2
	rOrbit := int(0.82 * float64(half))
	width := max(2, half/10)
	fillCircle(dst, cx, cy, int(0.34*float64(half)), col)
	drawRing(dst, cx, cy, rOrbit-width/2, rOrbit+width/2, col)

	// Station at 45 degrees up-right.
	a := math.Pi / 4
	sx := cx + int(float64(rOrbit)*math.Cos(a))
	sy := cy - int(float64(rOrbit)*math.Sin(a))
	fillCircle(dst, sx, sy, max(3, half/6), col)
}

func fillRect(img *image.RGBA, x, y, w, h int, col color.RGBA) {
	draw.Draw(img, image.Rect(x, y, x+w, y+h), &image.Uniform{col}, image.Point{}, draw.Src)
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	drawRing(img, cx, cy, 0, r, col)
}

// drawRing fills every pixel whose distance from the centre lies in [ri, ro].
func drawRing(img *image.RGBA, cx, cy, ri, ro int, col color.RGBA) {
	if ro <= 0 || ro < ri {
		return
	}
	b := img.Bounds()
	ri2, ro2 := ri*ri, ro*ro
	for y := max(cy-ro, b.Min.Y); y <= min(cy+ro, b.Max.Y-1); y++ {
		for x := max(cx-ro, b.Min.X); x <= min(cx+ro, b.Max.X-1); x++ {
			dx, dy := x-cx, y-cy
			if d := dx*dx + dy*dy; d >= ri2 && d <= ro2 {
				img.SetRGBA(x, y, col)
			}
		}
	}
}

// QRHandler serves /qr.png. The code points at the target query parameter
// when given, otherwise at target(r).
func QRHandler(target func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := r.URL.Query().Get("target")
		if data != "" {
			if u, err := url.Parse(data); err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss") {
				http.Error(w, "target must be an absolute http(s) or ws(s) URL", http.StatusBadRequest)
				return
			}
		} else {
			data = target(r)
		}
		size := clampInt(parseIntDefault(r.URL.Query().Get("size"), 512), 128, 2048)

		var buf bytes.Buffer
		if err := EncodeQRPNG(&buf, data, QROptions{TargetPx: size}); err != nil {
			http.Error(w, "qr encode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(buf.Bytes())
	}
}
