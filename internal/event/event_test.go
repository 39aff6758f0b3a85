package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FeedbackFrame(t *testing.T) {
	raw := []byte(`{
		"type": "feedback_update",
		"session_id": 42,
		"user_id": 7,
		"feedback_data": {"activity_id": 3, "vote": "up"}
	}`)

	in, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ClassFeedbackUpdate, in.Type)
	assert.Equal(t, int64(42), in.SessionID)
	assert.Equal(t, int64(7), in.UserID)
	assert.JSONEq(t, `{"activity_id": 3, "vote": "up"}`, string(in.Feedback))
}

func TestDecode_StatusChangeFrame(t *testing.T) {
	raw := []byte(`{"type": "activity_status_change", "activity_id": 9, "new_status": "confirmed"}`)

	in, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ClassStatusChange, in.Type)
	assert.Equal(t, int64(9), in.ActivityID)
	assert.Equal(t, "confirmed", in.NewStatus)
}

func TestDecode_MissingTypeIsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{"session_id": 1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type tag")
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestEncode_EnvelopeHead(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := ParticipantJoined{
		Envelope: NewEnvelope(TypeParticipantJoined, now),
		UserID:   7,
		Username: "ada",
	}

	data, err := Encode(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeParticipantJoined, decoded["type"])
	assert.Equal(t, "ada", decoded["username"])
	assert.Equal(t, float64(7), decoded["user_id"])
}

func TestBatchType(t *testing.T) {
	assert.Equal(t, "feedback_update_batch", BatchType(ClassFeedbackUpdate))
	assert.Equal(t, "activity_status_change_batch", BatchType(ClassStatusChange))
}
