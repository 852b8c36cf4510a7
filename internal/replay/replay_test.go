package replay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proctord/internal/violation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func run(t *testing.T, doc string) *Result {
	t.Helper()
	sc, err := Parse([]byte(doc))
	require.NoError(t, err)
	res, err := Run(context.Background(), sc, nil, nil)
	require.NoError(t, err)
	return res
}

func TestSpacedNoFaceWarnsOnce(t *testing.T) {
	res := run(t, `
config:
  max_warnings: 3
  warning_cooldown: 1s
  escalation_threshold: 2
steps:
  - at: 0s
    observation: {type: no-face-detected}
  - at: 5s
    observation: {type: no-face-detected}
`)
	require.Len(t, res.Warnings, 1)
	w := res.Warnings[0]
	assert.Contains(t, strings.ToLower(w.Reason), "face")
	assert.Equal(t, 1, w.SequenceNumber)
	assert.Equal(t, 2, w.RemainingBeforeTermination)
	assert.False(t, res.Terminated())
	assert.Equal(t, 5*time.Second, res.Elapsed)
}

func TestTabSwitchBurstWarnsOnce(t *testing.T) {
	var b strings.Builder
	b.WriteString("config:\n  warning_cooldown: 1s\n  per_type_threshold: {tab-switch: 2}\nsteps:\n")
	for i := range 10 {
		b.WriteString("  - at: " + (time.Duration(i) * 50 * time.Millisecond).String() + "\n")
		b.WriteString("    event: {kind: visibilitychange, hidden: true}\n")
	}

	res := run(t, b.String())
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, 10, res.Tally[violation.TabSwitch])
	assert.Equal(t, 10, res.Steps)
}

func TestThreeStrikesTerminates(t *testing.T) {
	fs := afero.NewOsFs()
	sc, err := LoadFS(fs, "testdata/three-strikes.yaml")
	require.NoError(t, err)
	assert.Equal(t, "three strikes", sc.Name)

	var seen []violation.Warning
	res, err := Run(context.Background(), sc, nil, func(w violation.Warning) { seen = append(seen, w) })
	require.NoError(t, err)

	require.True(t, res.Terminated())
	assert.Equal(t, violation.TerminationReason, res.Termination.Reason)
	require.Len(t, res.Warnings, 3)
	assert.Equal(t, res.Warnings, seen)
	assert.Equal(t, []violation.Type{violation.NoFace, violation.TabSwitch, violation.Clipboard},
		[]violation.Type{res.Warnings[0].Type, res.Warnings[1].Type, res.Warnings[2].Type})
	for _, typ := range []violation.Type{violation.NoFace, violation.TabSwitch, violation.Clipboard} {
		assert.Positive(t, res.Tally[typ], "tally for %s", typ)
	}

	assert.Equal(t, 6, res.Steps, "steps after termination are skipped")
	assert.Equal(t, 2, res.Prevented)
}

func TestGeometryStep(t *testing.T) {
	res := run(t, `
config:
  escalation_threshold: 1
geometry: {outer_width: 1280, outer_height: 800, inner_width: 1280, inner_height: 720}
steps:
  - at: 1s
    geometry: {outer_width: 800, outer_height: 600, inner_width: 800, inner_height: 520}
  - at: 2s
    geometry: {outer_width: 802, outer_height: 600, inner_width: 802, inner_height: 520}
`)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, violation.GeometryChanged, res.Warnings[0].Type)
	assert.Equal(t, 1, res.Tally[violation.GeometryChanged], "move within tolerance of the new baseline")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "steps: [\n"},
		{"bad config", "config: {max_warnings: 0}"},
		{"bad duration", "steps:\n  - at: soon\n    observation: {type: tab-switch}"},
		{"out of order", "steps:\n  - at: 2s\n    observation: {type: tab-switch}\n  - at: 1s\n    observation: {type: tab-switch}"},
		{"unknown type", "steps:\n  - at: 1s\n    observation: {type: sneezing}"},
		{"unknown kind", "steps:\n  - at: 1s\n    event: {kind: scroll}"},
		{"empty step", "steps:\n  - at: 1s"},
		{"two payloads", "steps:\n  - at: 1s\n    observation: {type: tab-switch}\n    event: {kind: blur}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestLoadFSMissing(t *testing.T) {
	_, err := LoadFS(afero.NewMemMapFs(), "nope.yaml")
	assert.Error(t, err)
}

func TestRunCanceled(t *testing.T) {
	sc, err := Parse([]byte("steps:\n  - at: 1s\n    observation: {type: tab-switch}"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, sc, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
