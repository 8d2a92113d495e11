package refrange

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/immunolab/immunolab-server/internal/domain"
)

// Severity of a validation issue. Errors block a save, warnings do not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue describes one problem found in a guideline.
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

// Report collects the issues found by ValidateGuideline.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Valid reports whether the report holds no errors.
func (r Report) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns the blocking issues.
func (r Report) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the non-blocking issues.
func (r Report) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

// Err returns a *domain.ValidationError for the first error, or nil.
func (r Report) Err() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return domain.NewValidationError(errs[0].Field, strings.Join(msgs, "; "), nil)
}

func (r Report) filter(s Severity) []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == s {
			out = append(out, issue)
		}
	}
	return out
}

func (r *Report) add(s Severity, field, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: s, Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateGuideline checks a guideline before it is stored. Brackets that
// overlap or leave ages uncovered are warnings because first-match lookup
// still gives a deterministic answer for them.
func ValidateGuideline(g domain.Guideline) Report {
	var report Report

	if strings.TrimSpace(g.Name) == "" {
		report.add(SeverityError, "name", "guideline name is required")
	}
	if strings.TrimSpace(g.Category) == "" {
		report.add(SeverityError, "category", "category is required")
	} else if !domain.TestType(g.Category).IsValid() {
		report.add(SeverityError, "category", "unknown category %q", g.Category)
	}
	if len(g.References) == 0 {
		report.add(SeverityError, "references", "at least one reference interval is required")
		return report
	}

	type parsed struct {
		index   int
		bracket AgeBracket
	}
	var brackets []parsed
	seen := make(map[string]int)

	for i, ref := range g.References {
		field := fmt.Sprintf("references[%d]", i)

		label := strings.TrimSpace(ref.AgeGroup)
		if prev, dup := seen[label]; dup {
			report.add(SeverityError, field+".ageGroup", "age group %q duplicates references[%d]", label, prev)
		} else {
			seen[label] = i
		}

		bracket, ok := ParseAgeGroup(ref.AgeGroup)
		if !ok {
			report.add(SeverityError, field+".ageGroup", "malformed age group %q", ref.AgeGroup)
		} else {
			brackets = append(brackets, parsed{index: i, bracket: bracket})
		}

		finite := true
		if math.IsNaN(ref.MinValue) || math.IsInf(ref.MinValue, 0) {
			report.add(SeverityError, field+".minValue", "minimum must be a finite number")
			finite = false
		}
		if math.IsNaN(ref.MaxValue) || math.IsInf(ref.MaxValue, 0) {
			report.add(SeverityError, field+".maxValue", "maximum must be a finite number")
			finite = false
		}
		if finite && ref.MinValue > ref.MaxValue {
			report.add(SeverityError, field, "minimum %g exceeds maximum %g", ref.MinValue, ref.MaxValue)
		}
	}

	if len(brackets) == 0 {
		return report
	}

	sort.SliceStable(brackets, func(i, j int) bool {
		return lessBracket(brackets[i].bracket, brackets[j].bracket)
	})

	if brackets[0].bracket.Min > 0 {
		report.add(SeverityWarning, "references", "no age group starts at 0 (lowest is %s)", brackets[0].bracket)
	}

	hasOpenEnded := false
	widest := brackets[0].bracket
	for i, b := range brackets {
		if b.bracket.OpenEnded {
			hasOpenEnded = true
		}
		if i > 0 {
			if b.bracket.Overlaps(widest) {
				report.add(SeverityWarning, fmt.Sprintf("references[%d]", b.index),
					"age group %s overlaps %s; the lower bracket wins", b.bracket, widest)
			} else if widest.Max < math.MaxInt && b.bracket.Min > widest.Max+1 {
				report.add(SeverityWarning, "references", "ages %d-%d are not covered", widest.Max+1, b.bracket.Min-1)
			}
		}
		if b.bracket.Max > widest.Max {
			widest = b.bracket
		}
	}
	coveredTo := widest.Max

	if !hasOpenEnded {
		report.add(SeverityWarning, "references", "no open-ended age group; ages above %d are not covered", coveredTo)
	}

	return report
}

// Canonicalize returns a copy of refs ordered by lower bound, then upper
// bound, with open-ended brackets last among equal lower bounds. Labels are
// trimmed. Malformed labels keep their relative order after every valid one.
func Canonicalize(refs []domain.ReferenceInterval) []domain.ReferenceInterval {
	out := make([]domain.ReferenceInterval, len(refs))
	copy(out, refs)
	for i := range out {
		out[i].AgeGroup = strings.TrimSpace(out[i].AgeGroup)
	}
	sort.SliceStable(out, func(i, j int) bool {
		bi, oki := ParseAgeGroup(out[i].AgeGroup)
		bj, okj := ParseAgeGroup(out[j].AgeGroup)
		switch {
		case oki && okj:
			return lessBracket(bi, bj)
		case oki:
			return true
		default:
			return false
		}
	})
	return out
}

func lessBracket(a, b AgeBracket) bool {
	if a.Min != b.Min {
		return a.Min < b.Min
	}
	if a.OpenEnded != b.OpenEnded {
		return !a.OpenEnded
	}
	return a.Max < b.Max
}
