package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Patient is a person whose lab results are tracked.
type Patient struct {
	ID         string    `json:"id"`
	FirstName  string    `json:"firstName" validate:"required"`
	LastName   string    `json:"lastName" validate:"required"`
	IDNumber   string    `json:"idNumber" validate:"required"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	BirthDate  time.Time `json:"birthDate" validate:"required"`
	BirthPlace string    `json:"birthPlace,omitempty"`
	Gender     Gender    `json:"gender" validate:"required,oneof=male female"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FullName returns "First Last".
func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Validate checks the fields required at registration. Callers trim
// whitespace first.
func (p *Patient) Validate() error {
	return validateStruct(p)
}

// PatientUpdate carries the profile fields a patient may change. Nil fields
// are left as they are.
type PatientUpdate struct {
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Phone     *string `json:"phone,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u PatientUpdate) IsEmpty() bool {
	return u.FirstName == nil && u.LastName == nil && u.Phone == nil
}

// Fields lists the json names of the set fields.
func (u PatientUpdate) Fields() []string {
	var fields []string
	if u.FirstName != nil {
		fields = append(fields, "firstName")
	}
	if u.LastName != nil {
		fields = append(fields, "lastName")
	}
	if u.Phone != nil {
		fields = append(fields, "phone")
	}
	return fields
}

// Apply copies the set fields onto p, trimming whitespace.
func (u PatientUpdate) Apply(p *Patient) {
	if u.FirstName != nil {
		p.FirstName = strings.TrimSpace(*u.FirstName)
	}
	if u.LastName != nil {
		p.LastName = strings.TrimSpace(*u.LastName)
	}
	if u.Phone != nil {
		p.Phone = strings.TrimSpace(*u.Phone)
	}
}

// AgeAt returns the whole years between birth and at. The year count is
// decremented when the birthday has not yet occurred in at's year.
func AgeAt(birth, at time.Time) int {
	age := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// GuidelineDocument groups every guideline of one category, mirroring the
// per-category document of the store.
type GuidelineDocument struct {
	Category   string      `json:"category"`
	Guidelines []Guideline `json:"guidelines"`
	UpdatedAt  time.Time   `json:"updatedAt,omitempty"`
}

// Find returns the guideline with the given name, or nil.
func (d *GuidelineDocument) Find(name string) *Guideline {
	for i := range d.Guidelines {
		if d.Guidelines[i].Name == name {
			return &d.Guidelines[i]
		}
	}
	return nil
}

// PatientResults is the per-patient results document: a mapping from test
// type to every result of that type.
type PatientResults struct {
	PatientID   string                  `json:"patientId"`
	FirstName   string                  `json:"firstName"`
	LastName    string                  `json:"lastName"`
	Results     map[string][]TestResult `json:"results"`
	LastUpdated time.Time               `json:"lastUpdated"`
}

// Series returns the results recorded for testType.
func (r *PatientResults) Series(testType TestType) []TestResult {
	return r.Results[string(testType)]
}

// RecordResultInput carries a new lab measurement for a patient.
type RecordResultInput struct {
	PatientID string    `json:"-"`
	TestType  TestType  `json:"testType"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	TestDate  time.Time `json:"testDate"`
}

// Validate checks the input before any age is derived from it.
func (in *RecordResultInput) Validate() error {
	if in.PatientID == "" {
		return NewValidationError("patientId", "patient id is required", in.PatientID)
	}
	if !in.TestType.IsValid() {
		return NewValidationError("testType", fmt.Sprintf("%s: %s", ErrInvalidTestType, in.TestType), in.TestType)
	}
	if !isFinite(in.Value) {
		return NewValidationError("value", "value must be a finite number", in.Value)
	}
	if in.TestDate.IsZero() {
		return NewValidationError("testDate", "test date is required", nil)
	}
	return nil
}

// AuditAction names an audited operation.
type AuditAction string

const (
	AuditPatientRegistered AuditAction = "patient.registered"
	AuditPatientUpdated    AuditAction = "patient.updated"
	AuditResultRecorded    AuditAction = "result.recorded"
	AuditResultsEvaluated  AuditAction = "results.evaluated"
	AuditGuidelineSaved    AuditAction = "guideline.saved"
	AuditGuidelineDeleted  AuditAction = "guideline.deleted"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	Subject   string `json:"sub"`
	Role      Role   `json:"role"`
	PatientID string `json:"patient_id,omitempty"`
}

// CanAccessPatient reports whether the principal may read patientID's data.
func (p Principal) CanAccessPatient(patientID string) bool {
	if p.Role == RoleAdmin {
		return true
	}
	return p.Role == RolePatient && p.PatientID != "" && p.PatientID == patientID
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller attached by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
