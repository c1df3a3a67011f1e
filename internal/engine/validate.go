package engine

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gkobilansky/abgoat/internal/store"
)

// allocationTolerance is how far the allocation sum may drift from 1.0.
const allocationTolerance = 1e-6

// VariantSpec describes one variant of a test to create.
type VariantSpec struct {
	Name              string  `json:"name" validate:"required"`
	IsControl         bool    `json:"is_control"`
	TrafficAllocation float64 `json:"traffic_allocation" validate:"gt=0,lte=1"`
}

// TestSpec is the input of CreateTest. Zero ConfidenceLevel and
// MinimumSampleSize take the engine defaults.
type TestSpec struct {
	Name              string        `json:"name" validate:"required"`
	Hypothesis        string        `json:"hypothesis" validate:"required"`
	SuccessMetric     string        `json:"success_metric" validate:"required"`
	Variants          []VariantSpec `json:"variants" validate:"min=2,dive"`
	ConfidenceLevel   float64       `json:"confidence_level" validate:"omitempty,gt=0,lt=1"`
	MinimumSampleSize int64         `json:"minimum_sample_size" validate:"omitempty,gt=0"`
}

// Event is one tracking observation for a variant.
type Event struct {
	TestID     string  `json:"test_id" validate:"required"`
	VariantID  string  `json:"variant_id" validate:"required"`
	Impression bool    `json:"impression"`
	Conversion bool    `json:"conversion"`
	Revenue    float64 `json:"revenue"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields by their JSON names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func (s *TestSpec) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Hypothesis = strings.TrimSpace(s.Hypothesis)
	s.SuccessMetric = strings.TrimSpace(s.SuccessMetric)
	for i := range s.Variants {
		s.Variants[i].Name = strings.TrimSpace(s.Variants[i].Name)
	}
}

// specProblems lists every problem with spec: field rules first, then rules
// spanning several variants.
func specProblems(spec *TestSpec) []string {
	problems := structProblems(spec)

	variants := make([]store.TestVariant, len(spec.Variants))
	for i, vs := range spec.Variants {
		variants[i] = store.TestVariant{Name: vs.Name, IsControl: vs.IsControl, TrafficAllocation: vs.TrafficAllocation}
	}
	return append(problems, variantSetProblems(variants)...)
}

// definitionProblems re-checks a stored test before it starts running.
func definitionProblems(t *store.ABTest) []string {
	var problems []string
	if len(t.Variants) < 2 {
		problems = append(problems, fmt.Sprintf("variants must have at least 2 entries, got %d", len(t.Variants)))
	}
	if !(t.ConfidenceLevel > 0 && t.ConfidenceLevel < 1) {
		problems = append(problems, fmt.Sprintf("confidence_level must be between 0 and 1 exclusive, got %g", t.ConfidenceLevel))
	}
	if t.MinimumSampleSize <= 0 {
		problems = append(problems, fmt.Sprintf("minimum_sample_size must be positive, got %d", t.MinimumSampleSize))
	}
	for i, v := range t.Variants {
		if !validAllocation(v.TrafficAllocation) {
			problems = append(problems, fmt.Sprintf("variants[%d].traffic_allocation must be in (0, 1], got %g", i, v.TrafficAllocation))
		}
	}
	return append(problems, variantSetProblems(t.Variants)...)
}

func variantSetProblems(variants []store.TestVariant) []string {
	var problems []string

	controls := 0
	sum := 0.0
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v.IsControl {
			controls++
		}
		sum += v.TrafficAllocation
		if v.Name != "" {
			key := strings.ToLower(v.Name)
			if seen[key] {
				problems = append(problems, fmt.Sprintf("variant name %q is used more than once", v.Name))
			}
			seen[key] = true
		}
	}

	switch {
	case controls == 0:
		problems = append(problems, "exactly one variant must be the control, found none")
	case controls > 1:
		problems = append(problems, fmt.Sprintf("exactly one variant must be the control, found %d", controls))
	}

	if len(variants) > 0 && !(math.Abs(sum-1) < allocationTolerance) {
		problems = append(problems, fmt.Sprintf("traffic allocations must sum to 1.0, got %.6f", sum))
	}

	return problems
}

func eventProblems(ev *Event) []string {
	problems := structProblems(ev)

	if ev.Conversion && !ev.Impression {
		problems = append(problems, "a conversion must be recorded together with its impression")
	}
	switch {
	case math.IsNaN(ev.Revenue) || math.IsInf(ev.Revenue, 0):
		problems = append(problems, "revenue must be a finite number")
	case ev.Revenue < 0:
		problems = append(problems, fmt.Sprintf("revenue must not be negative, got %g", ev.Revenue))
	}
	if !ev.Impression && !ev.Conversion && ev.Revenue == 0 {
		problems = append(problems, "event records no impression, conversion or revenue")
	}
	return problems
}

func validAllocation(a float64) bool {
	return a > 0 && a <= 1
}

// structProblems runs the struct tags and renders each failure as a sentence.
func structProblems(s interface{}) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describeFieldError(fe))
	}
	return problems
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s, got %v", field, fe.Param(), fe.Value())
	case "lt":
		return fmt.Sprintf("%s must be less than %s, got %v", field, fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("%s must be at most %s, got %v", field, fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
