package reschedule

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSMSSent, true},
		{StatusPending, StatusPending, true},
		{StatusSMSSent, StatusPatientResponded, true},
		{StatusPatientResponded, StatusAwaitingSelection, true},
		{StatusAwaitingSelection, StatusConfirmed, true},
		{StatusConfirmed, StatusCompleted, true},
		{StatusPending, StatusCompleted, false},
		{StatusSMSSent, StatusAwaitingSelection, false},
		{StatusAwaitingSelection, StatusPatientResponded, false},
		{StatusSMSSent, StatusSMSSent, false},

		{StatusPending, StatusCancelled, true},
		{StatusSMSSent, StatusCancelled, true},
		{StatusPatientResponded, StatusCancelled, false},
		{StatusConfirmed, StatusCancelled, false},

		{StatusPending, StatusEscalated, true},
		{StatusConfirmed, StatusEscalated, true},
		{StatusAwaitingSelection, StatusFailed, true},

		{StatusEscalated, StatusPending, false},
		{StatusEscalated, StatusSMSSent, false},
		{StatusCompleted, StatusEscalated, false},
		{StatusCancelled, StatusFailed, false},
		{Status("bogus"), StatusSMSSent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range allStatuses {
		assert.True(t, s.Valid())
		assert.False(t, s.Terminal() && s.Open(), "%s cannot be both terminal and open", s)
	}
	assert.False(t, StatusPending.Open())
	assert.True(t, StatusConfirmed.Open())
	assert.True(t, StatusEscalated.Terminal())
}

func TestDecodeMetadataRestoresVariant(t *testing.T) {
	at := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	offer := SlotOffer{Slots: []OfferedSlot{{Option: 1, StartsAt: at, Label: "Wednesday", CapacityRemaining: 2}}}
	kind, raw, err := encodeMetadata(offer)
	require.NoError(t, err)
	assert.Equal(t, "slot_offer", kind)

	got, err := DecodeMetadata(kind, raw)
	require.NoError(t, err)
	assert.Equal(t, offer, got)

	hid := uuid.New()
	raw, _ = json.Marshal(Completion{HistoryID: hid})
	got, err = DecodeMetadata("completion", raw)
	require.NoError(t, err)
	assert.Equal(t, Completion{HistoryID: hid}, got)
}

func TestDecodeMetadataEdgeCases(t *testing.T) {
	m, err := DecodeMetadata("", nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	kind, raw, err := encodeMetadata(nil)
	require.NoError(t, err)
	assert.Empty(t, kind)
	assert.Nil(t, raw)

	_, err = DecodeMetadata("mystery", []byte(`{}`))
	assert.Error(t, err)

	_, err = DecodeMetadata("escalation", []byte(`{"reason":`))
	assert.Error(t, err)
}
