// Package domain contains the core entities of the immunoglobulin lab-results tracker:
// reference guidelines with age-bracketed intervals, patients and their dated test results.
package domain

import (
	"errors"
	"time"
)

// Status is the position of a lab value relative to its reference interval.
type Status string

const (
	StatusLow    Status = "low"
	StatusNormal Status = "normal"
	StatusHigh   Status = "high"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusLow, StatusNormal, StatusHigh:
		return true
	default:
		return false
	}
}

// IsFlagged reports whether the value lies outside its reference interval.
func (s Status) IsFlagged() bool {
	return s == StatusLow || s == StatusHigh
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Trend compares the most recent result of a series with the one before it.
// TrendNone means no indicator is shown.
type Trend string

const (
	TrendNone Trend = ""
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// Arrow returns the glyph the mobile screens render for the trend.
func (t Trend) Arrow() string {
	switch t {
	case TrendUp:
		return "↑"
	case TrendDown:
		return "↓"
	case TrendFlat:
		return "↔"
	default:
		return ""
	}
}

// TestType names an immunoglobulin test. Guideline categories use the same names.
type TestType string

const (
	TestIgA  TestType = "IgA"
	TestIgM  TestType = "IgM"
	TestIgG  TestType = "IgG"
	TestIgG1 TestType = "IgG1"
	TestIgG2 TestType = "IgG2"
	TestIgG3 TestType = "IgG3"
	TestIgG4 TestType = "IgG4"
)

// AllTestTypes lists the supported test types in display order.
var AllTestTypes = []TestType{TestIgA, TestIgM, TestIgG, TestIgG1, TestIgG2, TestIgG3, TestIgG4}

// IsValid reports whether t is a supported test type.
func (t TestType) IsValid() bool {
	for _, known := range AllTestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Gender of a patient as captured at registration.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// IsValid reports whether g is a known gender value.
func (g Gender) IsValid() bool {
	return g == GenderMale || g == GenderFemale
}

// Role of an authenticated caller.
type Role string

const (
	RoleAdmin   Role = "admin"
	RolePatient Role = "patient"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleAdmin || r == RolePatient
}

var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrInvalidTestType = errors.New("unknown test type")
)

// ReferenceInterval is one age-bracketed normal range within a guideline.
// AgeGroup is "min-max" (inclusive), "N+" (open-ended) or "N" (single age).
type ReferenceInterval struct {
	AgeGroup string  `json:"ageGroup" yaml:"ageGroup"`
	MinValue float64 `json:"minValue" yaml:"minValue"`
	MaxValue float64 `json:"maxValue" yaml:"maxValue"`
}

// Guideline is a named set of reference intervals for one test category,
// identified by (Category, Name).
type Guideline struct {
	Name       string              `json:"name" yaml:"name"`
	Category   string              `json:"category" yaml:"category"`
	References []ReferenceInterval `json:"references" yaml:"references"`
}

// Key returns the (category, name) identity of the guideline.
func (g Guideline) Key() string {
	return g.Category + "/" + g.Name
}

// TestResult is one dated lab measurement. Age is the patient's age in whole
// years when the test was taken, fixed at write time.
type TestResult struct {
	ID       string    `json:"id"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit"`
	TestDate time.Time `json:"test_date"`
	Age      int       `json:"age"`
}

// EvaluationResult is derived on demand and never persisted.
type EvaluationResult struct {
	Status          Status             `json:"status"`
	MatchedInterval *ReferenceInterval `json:"matchedInterval"`
	Trend           Trend              `json:"trend,omitempty"`
}
