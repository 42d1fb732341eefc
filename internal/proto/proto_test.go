package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Envelope
		wantErr bool
	}{
		{
			name: "user status",
			in:   `{"type":"user_status","user_id":"u1","status":"online"}`,
			want: Envelope{Type: TypeUserStatus, UserID: "u1", Status: PresenceOnline},
		},
		{
			name: "inbound message",
			in:   `{"type":"message","sender_id":"u2","content":"hi","timestamp":"2024-01-01T00:00:00","message_id":"m1"}`,
			want: Envelope{Type: TypeMessage, SenderID: "u2", Content: "hi", Timestamp: "2024-01-01T00:00:00", MessageID: "m1"},
		},
		{name: "not json", in: `{"type":`, wantErr: true},
		{name: "missing type", in: `{"sender_id":"u2"}`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			if tc.wantErr {
				var pe *ParseError
				require.True(t, errors.As(err, &pe), "want ParseError, got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTypingFlagSurvivesFalse(t *testing.T) {
	b, err := Encode(NewTyping("u2", false))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"typing","recipient_id":"u2","is_typing":false}`, string(b))

	env, err := Decode([]byte(`{"type":"typing","user_id":"u2","is_typing":true}`))
	require.NoError(t, err)
	require.True(t, env.Typing())

	env, err = Decode([]byte(`{"type":"typing","user_id":"u2"}`))
	require.NoError(t, err)
	require.False(t, env.Typing())
}

func TestNewSignal(t *testing.T) {
	desc := map[string]string{"type": "offer", "sdp": "v=0"}
	env, err := NewSignal(TypeOffer, "U2", desc)
	require.NoError(t, err)
	require.Equal(t, "U2", env.RecipientID)
	require.True(t, env.IsSignal())

	var got map[string]string
	require.NoError(t, env.DecodeData(&got))
	require.Equal(t, desc, got)

	_, err = NewSignal(TypeMessage, "U2", desc)
	require.Error(t, err)

	require.Error(t, Envelope{Type: TypeCallEnd}.DecodeData(&got))
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	b, err := Encode(NewCallEnd("U1"))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, map[string]any{"type": "call-end", "recipient_id": "U1"}, m)

	_, err = Encode(Envelope{})
	require.Error(t, err)
}
