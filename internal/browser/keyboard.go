package browser

import (
	"fmt"
	"strings"
	"time"

	"proctord/internal/violation"
)

// KeyboardDetector blocks denylisted keys and shortcuts and flags bursts
// of key presses.
type KeyboardDetector struct {
	hooks

	keys   map[string]bool
	combos map[string]bool

	rapidCount  int
	rapidWindow time.Duration
	presses     []time.Time
}

// NewKeyboardDetector builds a keyboard detector. Keys are matched
// case-insensitively; combos are the letter pressed with Ctrl or Meta.
// A rapidCount below 1 disables burst detection.
func NewKeyboardDetector(keys, combos []string, rapidCount int, rapidWindow time.Duration) *KeyboardDetector {
	d := &KeyboardDetector{
		keys:        make(map[string]bool, len(keys)),
		combos:      make(map[string]bool, len(combos)),
		rapidCount:  rapidCount,
		rapidWindow: rapidWindow,
	}
	for _, k := range keys {
		d.keys[strings.ToLower(k)] = true
	}
	for _, c := range combos {
		d.combos[strings.ToLower(c)] = true
	}
	return d
}

func (d *KeyboardDetector) Name() string { return "keyboard" }

func (d *KeyboardDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindKeyDown, d.keydown)
}

func (d *KeyboardDetector) keydown(e *Event) {
	key := strings.ToLower(e.Key)
	switch {
	case d.keys[key]:
		e.PreventDefault()
		d.emit(violation.BlockedKey, e.Key, e.Time, false)
	case (e.Ctrl || e.Meta) && d.combos[key]:
		e.PreventDefault()
		d.emit(violation.BlockedKeyCombo, comboName(e), e.Time, false)
	}

	if d.rapidCount < 1 {
		return
	}
	cutoff := e.Time.Add(-d.rapidWindow)
	kept := d.presses[:0]
	for _, t := range d.presses {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.presses = append(kept, e.Time)
	if len(d.presses) >= d.rapidCount {
		d.emit(violation.RapidKeypresses, fmt.Sprintf("%d keys in %s", len(d.presses), d.rapidWindow), e.Time, false)
		d.presses = d.presses[:0]
	}
}

func comboName(e *Event) string {
	mod := "Ctrl"
	if e.Meta && !e.Ctrl {
		mod = "Meta"
	}
	return mod + "+" + strings.ToUpper(e.Key)
}
