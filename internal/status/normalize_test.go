package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw       string
		want      Status
		voicemail bool
	}{
		{"ringing", Ringing, false},
		{"CALLING", Ringing, false},
		{"connected", InProgress, false},
		{"answered", InProgress, false},
		{"in-progress", InProgress, false},
		{"in_progress", InProgress, false},
		{"In Progress", InProgress, false},
		{"ongoing", InProgress, false},
		{"active", InProgress, false},
		{"live", InProgress, false},
		{"disconnected", Completed, false},
		{"ended", Completed, false},
		{"completed", Completed, false},
		{"hangup", Completed, false},
		{"failed", Failed, false},
		{"no-answer", Failed, false},
		{"no_answer", Failed, false},
		{"busy", Failed, false},
		{"declined", Failed, false},
		{"unreachable", Failed, false},
		{"timeout", Failed, false},
		{"voicemail", Completed, true},
		{"VoiceMail", Completed, true},
		{"cancelled", Cancelled, false},
		{"canceled", Cancelled, false},
		{"initiated", Initiated, false},
		{"queued", Initiated, false},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			result := Normalize(tc.raw)

			require.True(t, result.Recognized)
			assert.Equal(t, tc.want, result.Status)
			assert.Equal(t, tc.voicemail, result.Voicemail)
		})
	}
}

func TestNormalizeUnknownInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "---", "teleported", "\x00\xff", "ringing-ish"} {
		result := Normalize(raw)

		assert.False(t, result.Recognized, raw)
		assert.Empty(t, result.Status, raw)
		assert.False(t, result.Voicemail, raw)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	inputs := []string{"Ringing", "in-progress", "VOICEMAIL", "garbage", ""}

	for _, raw := range inputs {
		first := Normalize(raw)
		for range 10 {
			assert.Equal(t, first, Normalize(raw))
		}
	}
}

func TestEveryNormalizedStatusIsValid(t *testing.T) {
	for key := range vocabulary {
		result := Normalize(key)

		require.True(t, result.Recognized, key)
		assert.True(t, result.Status.Valid(), key)
	}
}

func TestRank(t *testing.T) {
	assert.Equal(t, 0, Scheduled.Rank())
	assert.Equal(t, 1, Initiated.Rank())
	assert.Equal(t, 2, Ringing.Rank())
	assert.Equal(t, 3, InProgress.Rank())

	for _, terminal := range []Status{Completed, Failed, Cancelled} {
		assert.Equal(t, TerminalRank, terminal.Rank())
		assert.True(t, terminal.Terminal())
	}

	assert.Equal(t, -1, Status("bogus").Rank())
	assert.False(t, Status("bogus").Valid())
	assert.False(t, Ringing.Terminal())
	assert.Len(t, All(), 7)
}

func FuzzNormalize(f *testing.F) {
	for _, seed := range []string{"ringing", "no-answer", "VoiceMail", "", "x"} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		result := Normalize(raw)

		if !result.Recognized {
			if result.Status != "" || result.Voicemail {
				t.Fatalf("unrecognized input %q produced %+v", raw, result)
			}

			return
		}

		if !result.Status.Valid() {
			t.Fatalf("input %q produced invalid status %q", raw, result.Status)
		}

		if result.Voicemail && result.Status != Completed {
			t.Fatalf("voicemail input %q mapped to %q", raw, result.Status)
		}
	})
}
