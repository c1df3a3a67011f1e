package store

import "time"

type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status or counter change is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type TestVariant struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	IsControl         bool    `json:"is_control"`
	TrafficAllocation float64 `json:"traffic_allocation"`
	Impressions       int64   `json:"impressions"`
	Conversions       int64   `json:"conversions"`
	Revenue           float64 `json:"revenue"`
}

type ABTest struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Hypothesis        string        `json:"hypothesis"`
	SuccessMetric     string        `json:"success_metric"`
	Variants          []TestVariant `json:"variants"`
	ConfidenceLevel   float64       `json:"confidence_level"`
	MinimumSampleSize int64         `json:"minimum_sample_size"`
	Status            Status        `json:"status"`
	StartDate         *time.Time    `json:"start_date,omitempty"`
	EndDate           *time.Time    `json:"end_date,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Variant looks a variant up by id.
func (t *ABTest) Variant(id string) *TestVariant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate a store's internal state.
func (t *ABTest) Clone() *ABTest {
	c := *t
	c.Variants = append([]TestVariant(nil), t.Variants...)
	if t.StartDate != nil {
		sd := *t.StartDate
		c.StartDate = &sd
	}
	if t.EndDate != nil {
		ed := *t.EndDate
		c.EndDate = &ed
	}
	return &c
}

// Delta is a counter update applied atomically to one variant.
type Delta struct {
	Impressions int64
	Conversions int64
	Revenue     float64
}

type VariantSummary struct {
	VariantID            string  `json:"variant_id"`
	Name                 string  `json:"name"`
	IsControl            bool    `json:"is_control"`
	Impressions          int64   `json:"impressions"`
	Conversions          int64   `json:"conversions"`
	Revenue              float64 `json:"revenue"`
	ConversionRate       float64 `json:"conversion_rate"`
	RevenuePerImpression float64 `json:"revenue_per_impression"`
	CILower              float64 `json:"ci_lower"`
	CIUpper              float64 `json:"ci_upper"`
}

// Verdict is derived from an ABTest's counters. It is persisted once a test
// completes, but recomputing it from the stored counters yields the same value.
type Verdict struct {
	TestID                   string           `json:"test_id"`
	StatisticallySignificant bool             `json:"statistically_significant"`
	WinningVariantID         *string          `json:"winning_variant_id"`
	ControlVariantID         string           `json:"control_variant_id"`
	ChallengerVariantID      string           `json:"challenger_variant_id,omitempty"`
	PValue                   float64          `json:"p_value"`
	ZScore                   float64          `json:"z_score"`
	LiftPercent              float64          `json:"lift_percent"`
	ConfidenceLevel          float64          `json:"confidence_level"`
	InsufficientData         bool             `json:"insufficient_data"`
	SampleSizeReached        bool             `json:"sample_size_reached"`
	Recommendation           string           `json:"recommendation"`
	VariantSummaries         []VariantSummary `json:"variant_summaries"`
}
