// Package merge folds status facts from the webhook and polling channels into a
// call record. Merge is pure: the same record and fact always give the same result,
// and applying facts in any order converges on the same record.
package merge

import (
	"maps"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"gorm.io/datatypes"
)

// Result is the outcome of one merge.
type Result struct {
	Call call.Call
	// Updates holds exactly the columns that differ from the input record.
	Updates map[string]any
	// Changed gates broadcasting.
	Changed bool
	// Terminated is true only for the first transition into a terminal status.
	Terminated bool
	Previous   status.Status
}

// Merge applies fact on top of current.
func Merge(current call.Call, fact Fact, now time.Time) Result {
	next := current.Clone()
	updates := make(map[string]any)
	normalized := status.Normalize(fact.Status)

	target := resolveStatus(current.Status, normalized, fact.DurationSeconds)
	if target != current.Status {
		next.Status = target
		updates[call.ColumnStatus] = target
	}

	conflictingTerminal := normalized.Recognized &&
		normalized.Status.Terminal() &&
		current.Status.Terminal() &&
		normalized.Status != current.Status

	mergeDuration(&next, fact.DurationSeconds, updates)

	setOnce(&next.ProviderCallID, nonEmpty(fact.ProviderCallID), call.ColumnProviderCallID, updates)
	setOnce(&next.RecordingURL, nonEmpty(fact.RecordingURL), call.ColumnRecordingURL, updates)
	setOnce(&next.Transcript, nonEmpty(fact.Transcript), call.ColumnTranscript, updates)
	setOnce(&next.CostPerMinute, nonNegative(fact.CostPerMinute), call.ColumnCostPerMinute, updates)
	setOnce(&next.CostTotal, nonNegative(fact.CostTotal), call.ColumnCostTotal, updates)
	setOnce(&next.CostCurrency, nonEmpty(fact.CostCurrency), call.ColumnCostCurrency, updates)

	if !conflictingTerminal {
		setOnce(&next.EndReason, nonEmpty(fact.EndReason), call.ColumnEndReason, updates)
	}

	mergeMetadata(&next, fact, normalized.Voicemail, updates)

	if next.Status.Terminal() && next.EndedAt == nil {
		endedAt := now
		next.EndedAt = &endedAt
		updates[call.ColumnEndedAt] = endedAt
	}

	mergeStartedAt(&next, current.Status, normalized, fact.DurationSeconds, now, updates)

	return Result{
		Call:       next,
		Updates:    updates,
		Changed:    len(updates) > 0,
		Terminated: !current.Status.Terminal() && next.Status.Terminal(),
		Previous:   current.Status,
	}
}

// resolveStatus applies the lattice rules: strictly higher ranks win, the first
// terminal status is kept, and a positive duration forces at least completed.
func resolveStatus(current status.Status, incoming status.Result, duration *int) status.Status {
	target := current

	if incoming.Recognized && incoming.Status.Rank() > current.Rank() {
		target = incoming.Status
	}

	if duration != nil && *duration > 0 && !target.Terminal() {
		target = status.Completed
	}

	return target
}

// mergeDuration keeps the largest duration observed so a short early estimate
// never replaces a complete final value.
func mergeDuration(next *call.Call, duration *int, updates map[string]any) {
	if duration == nil || *duration < 0 {
		return
	}

	if next.DurationSeconds != nil && *next.DurationSeconds >= *duration {
		return
	}

	value := *duration
	next.DurationSeconds = &value
	updates[call.ColumnDurationSeconds] = value
}

// mergeStartedAt records the first evidence of a live call. Calls that were
// already terminal keep their timing; a call that ends with a known duration is
// backdated from its end time.
func mergeStartedAt(
	next *call.Call,
	previous status.Status,
	incoming status.Result,
	duration *int,
	now time.Time,
	updates map[string]any,
) {
	if next.StartedAt != nil || previous.Terminal() {
		return
	}

	measured := duration != nil && *duration > 0
	live := incoming.Recognized && incoming.Status == status.InProgress

	if !live && !measured {
		return
	}

	startedAt := now

	if measured && next.EndedAt != nil && next.DurationSeconds != nil {
		startedAt = next.EndedAt.Add(-time.Duration(*next.DurationSeconds) * time.Second)
	}

	next.StartedAt = &startedAt
	updates[call.ColumnStartedAt] = startedAt
}

// mergeMetadata adds keys that are not stored yet; stored keys are never replaced.
func mergeMetadata(next *call.Call, fact Fact, voicemail bool, updates map[string]any) {
	additions := make(map[string]any, len(fact.Metadata)+1)

	for key, value := range fact.Metadata {
		if _, stored := next.Metadata[key]; !stored && value != nil {
			additions[key] = value
		}
	}

	if voicemail || fact.Voicemail {
		if _, stored := next.Metadata[call.MetadataVoicemail]; !stored {
			additions[call.MetadataVoicemail] = true
		}
	}

	if len(additions) == 0 {
		return
	}

	metadata := make(datatypes.JSONMap, len(next.Metadata)+len(additions))
	maps.Copy(metadata, next.Metadata)
	maps.Copy(metadata, additions)

	next.Metadata = metadata
	updates[call.ColumnMetadata] = metadata
}

func setOnce[T any](field **T, value *T, column string, updates map[string]any) {
	if value == nil || *field != nil {
		return
	}

	copied := *value
	*field = &copied
	updates[column] = copied
}

func nonEmpty(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}

	return value
}

func nonNegative(value *float64) *float64 {
	if value == nil || *value < 0 {
		return nil
	}

	return value
}
