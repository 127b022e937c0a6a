package status

import (
	"strings"
	"unicode"
)

// Result is the outcome of normalizing a provider status string.
// Recognized is false when the input carried no usable status; Status is empty then.
type Result struct {
	Status     Status
	Recognized bool
	Voicemail  bool
}

var vocabulary = map[string]Status{
	"scheduled": Scheduled,
	"pending":   Scheduled,

	"initiated":  Initiated,
	"initiating": Initiated,
	"queued":     Initiated,
	"created":    Initiated,
	"dialing":    Initiated,
	"started":    Initiated,

	"ringing": Ringing,
	"calling": Ringing,
	"ring":    Ringing,

	"connected":  InProgress,
	"answered":   InProgress,
	"inprogress": InProgress,
	"ongoing":    InProgress,
	"active":     InProgress,
	"live":       InProgress,

	"disconnected": Completed,
	"ended":        Completed,
	"completed":    Completed,
	"complete":     Completed,
	"hangup":       Completed,
	"hungup":       Completed,
	"finished":     Completed,
	"voicemail":    Completed,

	"failed":      Failed,
	"failure":     Failed,
	"error":       Failed,
	"noanswer":    Failed,
	"busy":        Failed,
	"declined":    Failed,
	"rejected":    Failed,
	"unreachable": Failed,
	"timeout":     Failed,
	"timedout":    Failed,

	"cancelled": Cancelled,
	"canceled":  Cancelled,
	"aborted":   Cancelled,
}

// Normalize maps a provider status string onto the canonical lattice.
// It never fails: unknown or empty input yields an unrecognized Result.
func Normalize(raw string) Result {
	key := canonicalKey(raw)
	if key == "" {
		return Result{}
	}

	mapped, ok := vocabulary[key]
	if !ok {
		return Result{}
	}

	return Result{
		Status:     mapped,
		Recognized: true,
		Voicemail:  key == "voicemail",
	}
}

// canonicalKey lowercases and strips separators so "In-Progress", "in_progress"
// and "IN PROGRESS" share one key.
func canonicalKey(raw string) string {
	var builder strings.Builder

	builder.Grow(len(raw))

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			builder.WriteRune(unicode.ToLower(r))
		}
	}

	return builder.String()
}
