package refrange

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immunolab/immunolab-server/internal/domain"
)

func refs(labels ...string) []domain.ReferenceInterval {
	out := make([]domain.ReferenceInterval, 0, len(labels))
	for _, l := range labels {
		out = append(out, domain.ReferenceInterval{AgeGroup: l, MinValue: 1, MaxValue: 2})
	}
	return out
}

func hasIssue(r Report, severity Severity, field string) bool {
	for _, issue := range r.Issues {
		if issue.Severity == severity && issue.Field == field {
			return true
		}
	}
	return false
}

func TestValidateGuidelineClean(t *testing.T) {
	g := domain.Guideline{
		Name:       "WHO",
		Category:   "IgG",
		References: refs("0-1", "2-5", "6-15", "16+"),
	}
	report := ValidateGuideline(g)
	assert.True(t, report.Valid())
	assert.Empty(t, report.Issues)
	assert.NoError(t, report.Err())
}

func TestValidateGuidelineErrors(t *testing.T) {
	tests := []struct {
		name  string
		g     domain.Guideline
		field string
	}{
		{"missing name", domain.Guideline{Category: "IgA", References: refs("0+")}, "name"},
		{"missing category", domain.Guideline{Name: "x", References: refs("0+")}, "category"},
		{"unknown category", domain.Guideline{Name: "x", Category: "IgE", References: refs("0+")}, "category"},
		{"no references", domain.Guideline{Name: "x", Category: "IgA"}, "references"},
		{"malformed label", domain.Guideline{Name: "x", Category: "IgA", References: refs("0+", "five")}, "references[1].ageGroup"},
		{"duplicate label", domain.Guideline{Name: "x", Category: "IgA", References: refs("0-5", "6+", "6+")}, "references[2].ageGroup"},
		{
			"min exceeds max",
			domain.Guideline{Name: "x", Category: "IgA", References: []domain.ReferenceInterval{{AgeGroup: "0+", MinValue: 5, MaxValue: 1}}},
			"references[0]",
		},
		{
			"non-finite bound",
			domain.Guideline{Name: "x", Category: "IgA", References: []domain.ReferenceInterval{{AgeGroup: "0+", MinValue: math.NaN(), MaxValue: 1}}},
			"references[0].minValue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := ValidateGuideline(tt.g)
			assert.False(t, report.Valid())
			assert.True(t, hasIssue(report, SeverityError, tt.field), "issues: %+v", report.Issues)

			err := report.Err()
			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
		})
	}
}

func TestValidateGuidelineWarnings(t *testing.T) {
	defaults := refs("0-1", "1-2", "2-3", "4-5", "5-6", "6-7", "7-8", "9-10", "11-12", "13-14", "15-16", "16+")
	report := ValidateGuideline(domain.Guideline{Name: "Default", Category: "IgM", References: defaults})
	assert.True(t, report.Valid(), "overlaps must not block a save")
	assert.NotEmpty(t, report.Warnings())
	assert.True(t, hasIssue(report, SeverityWarning, "references[1]"))

	gap := ValidateGuideline(domain.Guideline{Name: "Gap", Category: "IgM", References: refs("0-2", "5+")})
	assert.True(t, gap.Valid())
	require.Len(t, gap.Warnings(), 1)
	assert.Contains(t, gap.Warnings()[0].Message, "3-4")

	late := ValidateGuideline(domain.Guideline{Name: "Late", Category: "IgM", References: refs("3-10", "11+")})
	require.Len(t, late.Warnings(), 1)
	assert.Contains(t, late.Warnings()[0].Message, "starts at 0")

	closed := ValidateGuideline(domain.Guideline{Name: "Closed", Category: "IgM", References: refs("0-10")})
	require.Len(t, closed.Warnings(), 1)
	assert.Contains(t, closed.Warnings()[0].Message, "open-ended")
}

func TestValidateGuidelineNestedOverlap(t *testing.T) {
	report := ValidateGuideline(domain.Guideline{Name: "n", Category: "IgG1", References: refs("0-10", "2-3", "5-6", "11+")})
	assert.True(t, hasIssue(report, SeverityWarning, "references[1]"))
	assert.True(t, hasIssue(report, SeverityWarning, "references[2]"))
	assert.Len(t, report.Warnings(), 2)
}

func TestCanonicalize(t *testing.T) {
	in := []domain.ReferenceInterval{
		{AgeGroup: "16+", MinValue: 6},
		{AgeGroup: "bogus", MinValue: 0},
		{AgeGroup: " 4-5", MinValue: 3},
		{AgeGroup: "0-1", MinValue: 1},
		{AgeGroup: "4", MinValue: 2},
		{AgeGroup: "4+", MinValue: 4},
	}

	out := Canonicalize(in)
	labels := make([]string, 0, len(out))
	for _, r := range out {
		labels = append(labels, r.AgeGroup)
	}
	assert.Equal(t, []string{"0-1", "4", "4-5", "4+", "16+", "bogus"}, labels)
	assert.Equal(t, "16+", in[0].AgeGroup, "input must not be reordered")
	assert.Equal(t, " 4-5", in[2].AgeGroup, "input must not be trimmed")
}

func TestCanonicalizedOverlapPicksLowerBracket(t *testing.T) {
	stored := Canonicalize(refs("16+", "15-16"))
	got := FindInterval(16, stored)
	require.NotNil(t, got)
	assert.Equal(t, "15-16", got.AgeGroup)
}
