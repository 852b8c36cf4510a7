package violation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerTripsOnce(t *testing.T) {
	l := NewLedger(2)

	assert.False(t, l.Append(Warning{SequenceNumber: 1}))
	assert.Equal(t, 1, l.Remaining())
	assert.True(t, l.Append(Warning{SequenceNumber: 2}))
	assert.False(t, l.Append(Warning{SequenceNumber: 3}), "second trip")

	assert.True(t, l.Tripped())
	assert.Equal(t, 0, l.Remaining())
	assert.Equal(t, 3, l.Count())
}

func TestLedgerAllIsCopy(t *testing.T) {
	l := NewLedger(3)
	l.Append(Warning{Reason: "a", SequenceNumber: 1})
	l.Append(Warning{Reason: "b", SequenceNumber: 2})

	all := l.All()
	require.Len(t, all, 2)
	all[0].Reason = "mutated"

	assert.Equal(t, "a", l.All()[0].Reason)
	assert.Equal(t, "b", l.All()[1].Reason)
}

func TestTypesAndReasons(t *testing.T) {
	for _, typ := range Types() {
		if typ.Reason() == "" || typ.Reason() == string(typ) {
			t.Errorf("%s has no reason", typ)
		}
		parsed, err := ParseType(string(typ))
		if err != nil || parsed != typ {
			t.Errorf("ParseType(%q) = %q, %v", typ, parsed, err)
		}
	}
	if _, err := ParseType("teleport"); err == nil {
		t.Error("ParseType accepted unknown type")
	}
}

func TestTerminationReasons(t *testing.T) {
	term := Termination{
		Reason: TerminationReason,
		Warnings: []Warning{
			{Reason: NoFace.Reason()},
			{Reason: TabSwitch.Reason()},
		},
	}
	assert.Equal(t, []string{NoFace.Reason(), TabSwitch.Reason()}, term.Reasons())
	assert.Equal(t, "Warning 1: Tab switching detected. 2 warnings remaining.",
		Warning{SequenceNumber: 1, Reason: TabSwitch.Reason(), RemainingBeforeTermination: 2}.String())
}
