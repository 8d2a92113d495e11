package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		value    Status
		expected string
		flagged  bool
	}{
		{"Low", StatusLow, "low", true},
		{"Normal", StatusNormal, "normal", false},
		{"High", StatusHigh, "high", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.value)
			}
			if !tt.value.IsValid() {
				t.Errorf("Expected %s to be valid", tt.value)
			}
			if tt.value.IsFlagged() != tt.flagged {
				t.Errorf("Expected flagged=%v for %s", tt.flagged, tt.value)
			}
		})
	}

	assert.False(t, Status("borderline").IsValid())
}

func TestTrendArrow(t *testing.T) {
	assert.Equal(t, "↑", TrendUp.Arrow())
	assert.Equal(t, "↓", TrendDown.Arrow())
	assert.Equal(t, "↔", TrendFlat.Arrow())
	assert.Equal(t, "", TrendNone.Arrow())
}

func TestTestTypeIsValid(t *testing.T) {
	for _, tt := range AllTestTypes {
		assert.True(t, tt.IsValid(), tt)
	}
	assert.False(t, TestType("IgE").IsValid())
	assert.False(t, TestType("iga").IsValid())
}

func TestAgeAt(t *testing.T) {
	birth := time.Date(2018, time.June, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"day before birthday", time.Date(2023, time.June, 14, 0, 0, 0, 0, time.UTC), 4},
		{"on birthday", time.Date(2023, time.June, 15, 0, 0, 0, 0, time.UTC), 5},
		{"earlier month", time.Date(2023, time.March, 30, 0, 0, 0, 0, time.UTC), 4},
		{"later month", time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC), 5},
		{"newborn", time.Date(2018, time.July, 1, 0, 0, 0, 0, time.UTC), 0},
		{"before birth clamps to zero", time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AgeAt(birth, tt.at))
		})
	}
}

func TestPatientValidate(t *testing.T) {
	valid := Patient{
		FirstName: "Ana",
		LastName:  "Petrova",
		IDNumber:  "0101010101",
		BirthDate: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		Gender:    GenderFemale,
	}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "Ana Petrova", valid.FullName())

	tests := []struct {
		name  string
		mut   func(p *Patient)
		field string
	}{
		{"missing first name", func(p *Patient) { p.FirstName = "" }, "firstName"},
		{"missing last name", func(p *Patient) { p.LastName = "" }, "lastName"},
		{"missing id number", func(p *Patient) { p.IDNumber = "" }, "idNumber"},
		{"missing birth date", func(p *Patient) { p.BirthDate = time.Time{} }, "birthDate"},
		{"missing gender", func(p *Patient) { p.Gender = "" }, "gender"},
		{"bad gender", func(p *Patient) { p.Gender = "x" }, "gender"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mut(&p)
			err := p.Validate()
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestPatientValidateMessages(t *testing.T) {
	p := Patient{FirstName: "Ana", LastName: "Petrova", IDNumber: "1", BirthDate: time.Now(), Gender: "other"}
	var vErr *ValidationError
	require.ErrorAs(t, p.Validate(), &vErr)
	assert.Equal(t, "gender must be one of: male, female", vErr.Message)
	assert.Equal(t, Gender("other"), vErr.Value)

	p.Gender = GenderMale
	p.IDNumber = ""
	require.ErrorAs(t, p.Validate(), &vErr)
	assert.Equal(t, "idNumber is required", vErr.Message)
}

func TestPatientUpdateApply(t *testing.T) {
	p := Patient{FirstName: "Ana", LastName: "Petrova", Phone: "1"}
	assert.True(t, PatientUpdate{}.IsEmpty())

	first, phone := " Anna ", "+359 88 000"
	u := PatientUpdate{FirstName: &first, Phone: &phone}
	assert.False(t, u.IsEmpty())
	u.Apply(&p)
	assert.Equal(t, "Anna", p.FirstName)
	assert.Equal(t, "Petrova", p.LastName)
	assert.Equal(t, "+359 88 000", p.Phone)
}

func TestFromValidationErrorsPassesOtherErrors(t *testing.T) {
	err := errors.New("boom")
	assert.Same(t, err, FromValidationErrors(err))
}

func TestPrincipalCanAccessPatient(t *testing.T) {
	admin := Principal{Subject: "admin-1", Role: RoleAdmin}
	patient := Principal{Subject: "user-7", Role: RolePatient, PatientID: "p-7"}
	orphan := Principal{Subject: "user-8", Role: RolePatient}

	assert.True(t, admin.CanAccessPatient("p-1"))
	assert.True(t, patient.CanAccessPatient("p-7"))
	assert.False(t, patient.CanAccessPatient("p-1"))
	assert.False(t, orphan.CanAccessPatient(""))
}

func TestRecordResultInputValidate(t *testing.T) {
	in := RecordResultInput{
		PatientID: "p-1",
		TestType:  TestIgG,
		Value:     7.5,
		Unit:      "g/L",
		TestDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, in.Validate())

	bad := in
	bad.TestType = "IgE"
	assert.Error(t, bad.Validate())

	bad = in
	bad.Value = math.Inf(1)
	assert.Error(t, bad.Validate())

	bad = in
	bad.TestDate = time.Time{}
	assert.Error(t, bad.Validate())
}

