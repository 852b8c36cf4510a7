package browser

import (
	"fmt"

	"proctord/internal/violation"
)

// ClipboardDetector blocks and reports every copy, cut and paste.
type ClipboardDetector struct {
	hooks
}

func NewClipboardDetector() *ClipboardDetector { return &ClipboardDetector{} }

func (d *ClipboardDetector) Name() string { return "clipboard" }

func (d *ClipboardDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	for _, kind := range []Kind{KindCopy, KindCut, KindPaste} {
		d.listen(kind, func(e *Event) {
			e.PreventDefault()
			d.emit(violation.Clipboard, string(e.Kind), e.Time, false)
		})
	}
}

// ContextMenuDetector blocks and reports the context menu.
type ContextMenuDetector struct {
	hooks
}

func NewContextMenuDetector() *ContextMenuDetector { return &ContextMenuDetector{} }

func (d *ContextMenuDetector) Name() string { return "contextmenu" }

func (d *ContextMenuDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindContextMenu, func(e *Event) {
		e.PreventDefault()
		d.emit(violation.ContextMenu, "", e.Time, false)
	})
}

// PointerDetector reports the cursor leaving through the top of the
// viewport, toward the tab strip and address bar.
type PointerDetector struct {
	hooks
}

func NewPointerDetector() *PointerDetector { return &PointerDetector{} }

func (d *PointerDetector) Name() string { return "pointer" }

func (d *PointerDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindMouseLeave, func(e *Event) {
		if e.ClientY <= 0 {
			d.emit(violation.MouseLeftWindow, fmt.Sprintf("clientY=%.0f", e.ClientY), e.Time, false)
		}
	})
}

// FullscreenDetector reports repeated fullscreen toggling. The counter
// restarts after each report.
type FullscreenDetector struct {
	hooks
	limit   int
	toggles int
}

func NewFullscreenDetector(limit int) *FullscreenDetector {
	if limit < 1 {
		limit = 1
	}
	return &FullscreenDetector{limit: limit}
}

func (d *FullscreenDetector) Name() string { return "fullscreen" }

func (d *FullscreenDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindFullscreenChange, func(e *Event) {
		d.toggles++
		if d.toggles >= d.limit {
			d.emit(violation.FullscreenToggle, fmt.Sprintf("%d toggles", d.toggles), e.Time, false)
			d.toggles = 0
		}
	})
}

// UnloadDetector asks the page to confirm before leaving. It never
// reports a violation.
type UnloadDetector struct {
	hooks
	message  string
	attempts int
}

func NewUnloadDetector(message string) *UnloadDetector {
	if message == "" {
		message = DefaultUnloadMessage
	}
	return &UnloadDetector{message: message}
}

func (d *UnloadDetector) Name() string { return "unload" }

func (d *UnloadDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindBeforeUnload, func(e *Event) {
		d.attempts++
		e.PreventDefault()
		e.ReturnValue = d.message
	})
}

// Attempts returns how many times leaving was attempted.
func (d *UnloadDetector) Attempts() int { return d.attempts }
