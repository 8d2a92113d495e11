package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date layouts accepted at the document boundary.
const (
	DisplayDateTimeLayout = "02.01.2006 15:04"
	DisplayDateLayout     = "02.01.2006"
)

// ParseTestDate accepts RFC 3339, "DD.MM.YYYY HH:mm" and "DD.MM.YYYY".
func ParseTestDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, DisplayDateTimeLayout, DisplayDateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseGuidelineDocument decodes a loosely typed category document of the
// form {"guidelines": [{name, category, references: [...]}]}.
func ParseGuidelineDocument(data []byte) (*GuidelineDocument, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError("document", fmt.Sprintf("invalid JSON: %v", err), nil)
	}

	doc := &GuidelineDocument{}
	if v, ok := raw["category"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, NewValidationError("category", "must be a string", v)
		}
		doc.Category = s
	}

	list, ok := raw["guidelines"]
	if !ok || list == nil {
		return doc, nil
	}
	items, ok := list.([]any)
	if !ok {
		return nil, NewValidationError("guidelines", "must be an array", list)
	}

	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, NewValidationError(fmt.Sprintf("guidelines[%d]", i), "must be an object", item)
		}
		g, err := parseGuideline(obj, fmt.Sprintf("guidelines[%d]", i))
		if err != nil {
			return nil, err
		}
		if g.Category == "" {
			g.Category = doc.Category
		}
		if doc.Category == "" {
			doc.Category = g.Category
		}
		doc.Guidelines = append(doc.Guidelines, *g)
	}
	return doc, nil
}

func parseGuideline(obj map[string]any, path string) (*Guideline, error) {
	g := &Guideline{}
	name, err := stringField(obj, "name", path)
	if err != nil {
		return nil, err
	}
	g.Name = name
	category, err := stringField(obj, "category", path)
	if err != nil {
		return nil, err
	}
	g.Category = category

	refs, ok := obj["references"]
	if !ok || refs == nil {
		return g, nil
	}
	items, ok := refs.([]any)
	if !ok {
		return nil, NewValidationError(path+".references", "must be an array", refs)
	}
	for i, item := range items {
		refPath := fmt.Sprintf("%s.references[%d]", path, i)
		ref, ok := item.(map[string]any)
		if !ok {
			return nil, NewValidationError(refPath, "must be an object", item)
		}
		ageGroup, err := stringField(ref, "ageGroup", refPath)
		if err != nil {
			return nil, err
		}
		minValue, err := numberField(ref, "minValue", refPath)
		if err != nil {
			return nil, err
		}
		maxValue, err := numberField(ref, "maxValue", refPath)
		if err != nil {
			return nil, err
		}
		g.References = append(g.References, ReferenceInterval{
			AgeGroup: ageGroup,
			MinValue: minValue,
			MaxValue: maxValue,
		})
	}
	return g, nil
}

// ParsePatientResults decodes a loosely typed per-patient results document.
// Test dates may be RFC 3339 or the display layouts; values may be numbers
// or numeric strings.
func ParsePatientResults(data []byte) (*PatientResults, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError("document", fmt.Sprintf("invalid JSON: %v", err), nil)
	}

	out := &PatientResults{Results: make(map[string][]TestResult)}
	var err error
	if out.PatientID, err = optionalString(raw, "patientId", ""); err != nil {
		return nil, err
	}
	if out.FirstName, err = optionalString(raw, "firstName", ""); err != nil {
		return nil, err
	}
	if out.LastName, err = optionalString(raw, "lastName", ""); err != nil {
		return nil, err
	}
	if v, ok := raw["lastUpdated"].(string); ok && v != "" {
		ts, err := ParseTestDate(v)
		if err != nil {
			return nil, NewValidationError("lastUpdated", err.Error(), v)
		}
		out.LastUpdated = ts
	}

	results, ok := raw["results"]
	if !ok || results == nil {
		return out, nil
	}
	byType, ok := results.(map[string]any)
	if !ok {
		return nil, NewValidationError("results", "must be an object keyed by test type", results)
	}

	for testType, series := range byType {
		typePath := "results." + testType
		if !TestType(testType).IsValid() {
			return nil, NewValidationError(typePath, ErrInvalidTestType.Error(), testType)
		}
		items, ok := series.([]any)
		if !ok {
			return nil, NewValidationError(typePath, "must be an array", series)
		}
		parsed := make([]TestResult, 0, len(items))
		for i, item := range items {
			itemPath := fmt.Sprintf("%s[%d]", typePath, i)
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, NewValidationError(itemPath, "must be an object", item)
			}
			r, err := parseTestResult(obj, itemPath)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, *r)
		}
		out.Results[testType] = parsed
	}
	return out, nil
}

func parseTestResult(obj map[string]any, path string) (*TestResult, error) {
	r := &TestResult{}
	var err error
	if r.ID, err = stringField(obj, "id", path); err != nil {
		return nil, err
	}
	if r.Value, err = numberField(obj, "value", path); err != nil {
		return nil, err
	}
	if r.Unit, err = optionalString(obj, "unit", path); err != nil {
		return nil, err
	}
	dateStr, err := stringField(obj, "test_date", path)
	if err != nil {
		return nil, err
	}
	if r.TestDate, err = ParseTestDate(dateStr); err != nil {
		return nil, NewValidationError(path+".test_date", err.Error(), dateStr)
	}
	age, err := numberField(obj, "age", path)
	if err != nil {
		return nil, err
	}
	if age < 0 || age != float64(int(age)) {
		return nil, NewValidationError(path+".age", "must be a non-negative whole number", age)
	}
	r.Age = int(age)
	return r, nil
}

func fieldPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func stringField(obj map[string]any, key, path string) (string, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", NewValidationError(fieldPath(path, key), "is required", nil)
	}
	s, ok := v.(string)
	if !ok {
		return "", NewValidationError(fieldPath(path, key), "must be a string", v)
	}
	return s, nil
}

func optionalString(obj map[string]any, key, path string) (string, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", NewValidationError(fieldPath(path, key), "must be a string", v)
	}
	return s, nil
}

func numberField(obj map[string]any, key, path string) (float64, error) {
	v, ok := obj[key]
	if !ok || v == nil {
		return 0, NewValidationError(fieldPath(path, key), "is required", nil)
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, NewValidationError(fieldPath(path, key), "must be numeric", v)
		}
		f = parsed
	default:
		return 0, NewValidationError(fieldPath(path, key), "must be numeric", v)
	}
	if !isFinite(f) {
		return 0, NewValidationError(fieldPath(path, key), "must be finite", v)
	}
	return f, nil
}
