package browser

import (
	"fmt"
	"math"
	"time"

	"proctord/internal/violation"
)

// GeometryDetector reports the window being moved or resized beyond
// tolerance, then rebases so one deviation reports once.
type GeometryDetector struct {
	hooks
	sizeTol float64
	posTol  float64

	baseline Geometry
	based    bool
}

func NewGeometryDetector(sizeTol, posTol float64) *GeometryDetector {
	return &GeometryDetector{sizeTol: sizeTol, posTol: posTol}
}

func (d *GeometryDetector) Name() string { return "geometry" }

// Install captures the baseline if geometry is already known; otherwise
// the first successful check sets it.
func (d *GeometryDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.based = false
	if g, err := src.Geometry(); err == nil {
		d.baseline, d.based = g, true
	}
	d.listen(KindResize, func(e *Event) { d.check(e.Time) })
}

// Poll implements Poller.
func (d *GeometryDetector) Poll(now time.Time) { d.check(now) }

func (d *GeometryDetector) check(at time.Time) {
	if d.src == nil {
		return
	}
	g, err := d.src.Geometry()
	if err != nil {
		return
	}
	if !d.based {
		d.baseline, d.based = g, true
		return
	}

	dw := math.Abs(g.OuterWidth - d.baseline.OuterWidth)
	dh := math.Abs(g.OuterHeight - d.baseline.OuterHeight)
	dx := math.Abs(g.ScreenX - d.baseline.ScreenX)
	dy := math.Abs(g.ScreenY - d.baseline.ScreenY)
	if dw <= d.sizeTol && dh <= d.sizeTol && dx <= d.posTol && dy <= d.posTol {
		return
	}
	d.emit(violation.GeometryChanged,
		fmt.Sprintf("size %+.0fx%+.0f position %+.0f,%+.0f",
			g.OuterWidth-d.baseline.OuterWidth, g.OuterHeight-d.baseline.OuterHeight,
			g.ScreenX-d.baseline.ScreenX, g.ScreenY-d.baseline.ScreenY),
		at, false)
	d.baseline = g
}

// DevtoolsDetector flags a large gap between outer and inner window size,
// which docked developer tools or capture overlays produce. It reports on
// entering the suspicious state only.
type DevtoolsDetector struct {
	hooks
	threshold  float64
	suspicious bool
}

func NewDevtoolsDetector(threshold float64) *DevtoolsDetector {
	return &DevtoolsDetector{threshold: threshold}
}

func (d *DevtoolsDetector) Name() string { return "devtools" }

func (d *DevtoolsDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.suspicious = false
}

// Poll implements Poller.
func (d *DevtoolsDetector) Poll(now time.Time) {
	if d.src == nil {
		return
	}
	g, err := d.src.Geometry()
	if err != nil {
		return
	}
	gapW, gapH := g.OuterWidth-g.InnerWidth, g.OuterHeight-g.InnerHeight
	flagged := gapW > d.threshold || gapH > d.threshold
	if flagged && !d.suspicious {
		d.emit(violation.ScreenCapture, fmt.Sprintf("outer-inner gap %.0fx%.0f", gapW, gapH), now, false)
	}
	d.suspicious = flagged
}

// ZoomDetector flags a zoom ratio outside the accepted band. It reports
// on leaving the band only.
type ZoomDetector struct {
	hooks
	lo, hi  float64
	outside bool
}

func NewZoomDetector(lo, hi float64) *ZoomDetector {
	return &ZoomDetector{lo: lo, hi: hi}
}

func (d *ZoomDetector) Name() string { return "zoom" }

func (d *ZoomDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.outside = false
}

// Poll implements Poller.
func (d *ZoomDetector) Poll(now time.Time) {
	if d.src == nil {
		return
	}
	g, err := d.src.Geometry()
	if err != nil || g.InnerWidth <= 0 {
		return
	}
	ratio := g.OuterWidth / g.InnerWidth
	out := ratio < d.lo || ratio > d.hi
	if out && !d.outside {
		d.emit(violation.ZoomChanged, fmt.Sprintf("ratio %.2f", ratio), now, false)
	}
	d.outside = out
}
