package merge

// Source names the channel a fact arrived through.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
	SourceExpiry   Source = "expiry"
	SourceOperator Source = "operator"
	SourceCreation Source = "creation"
)

// Fact is a partial set of call fields reported at one point in time.
// Nil fields carry no information and never clear stored values.
type Fact struct {
	// Status is the provider's raw status string; normalized during merge.
	Status string

	ProviderCallID  *string
	DurationSeconds *int
	RecordingURL    *string
	Transcript      *string
	CostPerMinute   *float64
	CostTotal       *float64
	CostCurrency    *string
	EndReason       *string
	Voicemail       bool
	Metadata        map[string]any
}

// Empty reports whether the fact carries nothing the merge could apply.
func (f *Fact) Empty() bool {
	return f.Status == "" &&
		f.ProviderCallID == nil &&
		f.DurationSeconds == nil &&
		f.RecordingURL == nil &&
		f.Transcript == nil &&
		f.CostPerMinute == nil &&
		f.CostTotal == nil &&
		f.CostCurrency == nil &&
		f.EndReason == nil &&
		!f.Voicemail &&
		len(f.Metadata) == 0
}

// Ptr is a convenience for building facts.
func Ptr[T any](value T) *T {
	return &value
}
