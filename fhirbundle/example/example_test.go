package example

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/amitkgupta/go-smarthealth/fhirbundle"
)

func TestImmunizationBundleStructure(t *testing.T) {
	assert := assert.New(t)

	patient := Patient{
		Name:      Name{Family: "Smith", Givens: []string{"John"}},
		BirthDate: time.Date(1980, time.January, 2, 0, 0, 0, 0, time.UTC),
	}
	immunizations := []Immunization{
		{
			DatePerformed: time.Date(2021, time.March, 4, 0, 0, 0, 0, time.UTC),
			Performer:     "ACME Pharmacy",
			LotNumber:     "LOT123",
			VaccineType:   Pfizer,
		},
	}

	bundle := ImmunizationBundle(patient, immunizations)
	assert.NoError(fhirbundle.Validate(bundle))
	assert.Equal("Bundle", bundle["resourceType"])
	assert.Equal("collection", bundle["type"])

	entries := bundle["entry"].([]any)
	assert.Len(entries, 2)

	patientResource := entries[0].(map[string]any)["resource"].(map[string]any)
	assert.Equal("Patient", patientResource["resourceType"])
	assert.Equal("1980-01-02", patientResource["birthDate"])

	immResource := entries[1].(map[string]any)["resource"].(map[string]any)
	assert.Equal("Immunization", immResource["resourceType"])
	assert.Equal("resource:0", immResource["patient"].(map[string]any)["reference"])

	coding := immResource["vaccineCode"].(map[string]any)["coding"].([]any)[0].(map[string]any)
	assert.Equal("208", coding["code"])
}

func TestImmunizationBundleWithNoImmunizations(t *testing.T) {
	assert := assert.New(t)

	patient := Patient{Name: Name{Family: "Doe", Givens: []string{"Jane"}}, BirthDate: time.Now()}
	bundle := ImmunizationBundle(patient, nil)

	assert.NoError(fhirbundle.Validate(bundle))
	assert.Len(bundle["entry"].([]any), 1)
}

func TestCvxCodesForAllSupportedVaccineTypes(t *testing.T) {
	assert := assert.New(t)

	cases := map[VaccineType]string{
		Pfizer:            "208",
		Moderna:           "207",
		JohnsonAndJohnson: "212",
		AstraZeneca:       "210",
		Sinopharm:         "510",
		COVAXIN:           "502",
	}
	for vt, want := range cases {
		imm := Immunization{VaccineType: vt, DatePerformed: time.Now()}
		bundle := ImmunizationBundle(Patient{Name: Name{Family: "X"}, BirthDate: time.Now()}, []Immunization{imm})
		entries := bundle["entry"].([]any)
		immResource := entries[1].(map[string]any)["resource"].(map[string]any)
		coding := immResource["vaccineCode"].(map[string]any)["coding"].([]any)[0].(map[string]any)
		assert.Equal(want, coding["code"])
	}
}

func TestCvxCodePanicsOnInvalidVaccineType(t *testing.T) {
	assert.Panics(t, func() {
		VaccineType("not-a-real-vaccine").cvxCode()
	})
}
