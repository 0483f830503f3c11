package chart

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/aquacast/internal/models"
)

const (
	Width  = 800
	Height = 400

	marginLeft   = 56
	marginRight  = 16
	marginTop    = 32
	marginBottom = 40
)

var (
	colorBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}
	colorAxis       = color.RGBA{0x44, 0x44, 0x44, 0xff}
	colorGrid       = color.RGBA{0xe4, 0xe4, 0xe4, 0xff}
	colorBand       = color.RGBA{0x9e, 0xc9, 0xe2, 0xff}
	colorMedian     = color.RGBA{0x08, 0x51, 0x9c, 0xff}
	colorText       = color.RGBA{0x22, 0x22, 0x22, 0xff}
)

// Band summarises the ensemble on one date.
type Band struct {
	Date   time.Time
	Lower  float64 // 5th percentile
	Median float64
	Upper  float64 // 95th percentile
}

// Bands computes per-date quantiles over all members and replicates.
// rows are expected to belong to one site.
func Bands(rows []models.ForecastRow) []Band {
	byDate := make(map[time.Time][]float64)
	for _, r := range rows {
		byDate[r.Datetime] = append(byDate[r.Datetime], r.Prediction)
	}

	bands := make([]Band, 0, len(byDate))
	for date, values := range byDate {
		sort.Float64s(values)
		bands = append(bands, Band{
			Date:   date,
			Lower:  stat.Quantile(0.05, stat.Empirical, values, nil),
			Median: stat.Quantile(0.5, stat.Empirical, values, nil),
			Upper:  stat.Quantile(0.95, stat.Empirical, values, nil),
		})
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].Date.Before(bands[j].Date) })
	return bands
}

// Render draws a fan chart of bands as PNG. label names the site in the
// title.
func Render(label string, bands []Band) ([]byte, error) {
	if len(bands) == 0 {
		return nil, fmt.Errorf("no forecast dates for %s", label)
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorBackground}, image.Point{}, draw.Src)

	lo, hi := bands[0].Lower, bands[0].Upper
	for _, b := range bands {
		lo = math.Min(lo, b.Lower)
		hi = math.Max(hi, b.Upper)
	}
	lo, hi = math.Floor(lo)-1, math.Ceil(hi)+1

	plot := image.Rect(marginLeft, marginTop, Width-marginRight, Height-marginBottom)
	xAt := func(i int) int {
		if len(bands) == 1 {
			return (plot.Min.X + plot.Max.X) / 2
		}
		return plot.Min.X + i*(plot.Dx()-1)/(len(bands)-1)
	}
	yAt := func(v float64) int {
		return plot.Max.Y - int(math.Round((v-lo)/(hi-lo)*float64(plot.Dy()-1)))
	}

	// Horizontal grid every whole degree step that keeps ~8 lines.
	step := math.Max(1, math.Ceil((hi-lo)/8))
	for v := math.Ceil(lo/step) * step; v <= hi; v += step {
		y := yAt(v)
		hline(img, plot.Min.X, plot.Max.X, y, colorGrid)
		drawText(img, 4, y+4, fmt.Sprintf("%.0f C", v))
	}

	// Band: fill between interpolated lower and upper edges.
	for i := 0; i < len(bands)-1; i++ {
		x0, x1 := xAt(i), xAt(i+1)
		for x := x0; x <= x1; x++ {
			t := float64(x-x0) / float64(max(1, x1-x0))
			top := yAt(lerp(bands[i].Upper, bands[i+1].Upper, t))
			bottom := yAt(lerp(bands[i].Lower, bands[i+1].Lower, t))
			vline(img, x, top, bottom, colorBand)
		}
	}
	if len(bands) == 1 {
		x := xAt(0)
		for dx := -3; dx <= 3; dx++ {
			vline(img, x+dx, yAt(bands[0].Upper), yAt(bands[0].Lower), colorBand)
		}
	}

	for i := 0; i < len(bands)-1; i++ {
		line(img, xAt(i), yAt(bands[i].Median), xAt(i+1), yAt(bands[i+1].Median), colorMedian)
	}

	hline(img, plot.Min.X, plot.Max.X, plot.Max.Y, colorAxis)
	vline(img, plot.Min.X, plot.Min.Y, plot.Max.Y, colorAxis)

	labelEvery := max(1, len(bands)/8)
	for i, b := range bands {
		if i%labelEvery != 0 {
			continue
		}
		x := xAt(i)
		vline(img, x, plot.Max.Y, plot.Max.Y+4, colorAxis)
		drawText(img, x-15, plot.Max.Y+18, b.Date.Format("01-02"))
	}

	title := fmt.Sprintf("%s water temperature, median and 90%% band, %s to %s",
		label, bands[0].Date.Format("2006-01-02"), bands[len(bands)-1].Date.Format("2006-01-02"))
	drawText(img, marginLeft, 20, title)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}

// maxNameLen keeps the title inside the 800px canvas at 7px per glyph.
const maxNameLen = 40

// SiteLabel renders "BARC (Barco Lake)", or the bare id when name is empty.
func SiteLabel(siteID, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return siteID
	}
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen-3]) + "..."
	}
	return siteID + " (" + name + ")"
}

// WriteSiteCharts renders one <site>.png per site into dir and returns the
// written paths in site order. names maps site ids to display names and may
// be nil.
func WriteSiteCharts(dir string, rows []models.ForecastRow, names map[string]string) ([]string, error) {
	bySite := make(map[string][]models.ForecastRow)
	for _, r := range rows {
		bySite[r.SiteID] = append(bySite[r.SiteID], r)
	}
	sites := make([]string, 0, len(bySite))
	for s := range bySite {
		sites = append(sites, s)
	}
	sort.Strings(sites)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chart dir: %w", err)
	}

	var paths []string
	for _, site := range sites {
		data, err := Render(SiteLabel(site, names[site]), Bands(bySite[site]))
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, site+".png")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return paths, fmt.Errorf("write chart %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func hline(img *image.RGBA, x0, x1, y int, c color.Color) {
	for x := x0; x <= x1; x++ {
		img.Set(x, y, c)
	}
}

func vline(img *image.RGBA, x, y0, y1 int, c color.Color) {
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	for y := y0; y <= y1; y++ {
		img.Set(x, y, c)
	}
}

// line draws a 2px Bresenham line.
func line(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		img.Set(x0, y0, c)
		img.Set(x0, y0+1, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func drawText(img *image.RGBA, x, y int, s string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(colorText),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}
