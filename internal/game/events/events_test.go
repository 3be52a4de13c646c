package events

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitro3/flipnosis/internal/models"
)

func TestDecodeClientMessage(t *testing.T) {
	sessionID := uuid.New()
	env, err := NewClientEnvelope(MsgMakeChoice, MakeChoiceMsg{
		SessionID: sessionID,
		Player:    "0xplayer",
		Choice:    models.ChoiceHeads,
	})
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	msgType, msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgMakeChoice, msgType)

	choice, ok := msg.(MakeChoiceMsg)
	require.True(t, ok)
	assert.Equal(t, sessionID, choice.SessionID)
	assert.Equal(t, models.ChoiceHeads, choice.Choice)
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, _, err := DecodeClientMessage([]byte(`{"type":"teleport","data":{}}`))
	assert.Error(t, err)
}

func TestDecodeClientMessage_MalformedEnvelope(t *testing.T) {
	_, _, err := DecodeClientMessage([]byte(`deposit pls`))
	assert.Error(t, err)
}

func TestParseEventPayload(t *testing.T) {
	gameID := uuid.New()
	ev, err := New(gameID, EventTypeRoundResolved, RoundResolvedPayload{
		SessionID:     gameID.String(),
		Round:         3,
		Outcome:       models.ChoiceTails,
		WinnerAddress: "0xwinner",
	})
	require.NoError(t, err)
	assert.Equal(t, gameID.String(), ev.GameID)
	assert.NotEmpty(t, ev.ID)

	payload, err := ParseEventPayload(ev)
	require.NoError(t, err)

	resolved, ok := payload.(RoundResolvedPayload)
	require.True(t, ok)
	assert.Equal(t, 3, resolved.Round)
	assert.Equal(t, models.ChoiceTails, resolved.Outcome)
}

func TestParseEventPayload_UnknownType(t *testing.T) {
	ev := &GameEvent{Type: "Nope", Data: json.RawMessage(`{}`)}
	_, err := ParseEventPayload(ev)
	assert.Error(t, err)
}
