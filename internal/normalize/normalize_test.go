package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/model"
)

func TestRequestCanonicalizes(t *testing.T) {
	ev, err := Request(model.RequestEvent{
		SessionID: "  s-1 ",
		AccountID: "alice",
		Method:    "post",
		Endpoint:  " /submit-form ",
	})
	require.NoError(t, err)
	require.Equal(t, "s-1", ev.SessionID)
	require.Equal(t, "POST", ev.Method)
	require.Equal(t, "/submit-form", ev.Endpoint)
	require.True(t, ev.Timestamp.IsZero())
}

func TestRequestRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		ev   model.RequestEvent
		want error
	}{
		{"empty session", model.RequestEvent{}, ErrSessionID},
		{"whitespace in session", model.RequestEvent{SessionID: "a b"}, ErrSessionID},
		{"control char", model.RequestEvent{SessionID: "a\x00b"}, ErrSessionID},
		{"long session", model.RequestEvent{SessionID: strings.Repeat("x", 200)}, ErrSessionID},
		{"method", model.RequestEvent{SessionID: "s", Method: "TRACE"}, ErrMethod},
		{"negative timestamp", model.RequestEvent{SessionID: "s", Timestamp: time.Unix(-10, 0)}, ErrTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Request(tc.ev)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"1700000000":                 time.Unix(1700000000, 0).UTC(),
		"1700000000123":              time.Unix(0, 1700000000123*int64(time.Millisecond)).UTC(),
		"1700000000.25":              time.Unix(1700000000, 250*int64(time.Millisecond)).UTC(),
		"2023-11-14T22:13:20Z":       time.Unix(1700000000, 0).UTC(),
		"2023-11-14 22:13:20":        time.Unix(1700000000, 0).UTC(),
		"2023-11-14T22:13:20.5":      time.Unix(1700000000, 500*int64(time.Millisecond)).UTC(),
		"14/Nov/2023:22:13:20 +0000": time.Unix(1700000000, 0).UTC(),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in, time.UTC)
		require.NoError(t, err, in)
		require.True(t, want.Equal(got), "%s: got %s want %s", in, got, want)
	}

	_, err := ParseTimestamp("-1700000000", time.UTC)
	require.Error(t, err)
	_, err = ParseTimestamp("yesterday", time.UTC)
	require.Error(t, err)
}

func TestNormalizeFields(t *testing.T) {
	ev, err := Normalize(EventFields{
		Timestamp: "1700000000",
		SessionID: "s-2",
		AccountID: "bob",
		Endpoint:  "/home",
		Method:    "get",
	}, "kafka")
	require.NoError(t, err)
	require.Equal(t, "kafka", ev.Source)
	require.Equal(t, int64(1700000000), ev.Timestamp.Unix())

	_, err = Normalize(EventFields{SessionID: "s", Timestamp: "nope"}, "file")
	require.ErrorIs(t, err, ErrTimestamp)
}
