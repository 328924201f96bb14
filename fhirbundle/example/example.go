// Package example builds a small, realistic FHIR Bundle of COVID-19
// immunization data for use as demo/fixture data by cmd/shcctl and by
// tests, adapted from the covid-19-vaccination-specific bundle builder this
// module generalized away from. See
// https://build.fhir.org/ig/HL7/fhir-shc-vaccination-ig/StructureDefinition-shc-vaccination-bundle-dm.html.
package example

import (
	"fmt"
	"time"

	"github.com/amitkgupta/go-smarthealth/fhirbundle"
)

// VaccineType identifies a supported COVID-19 vaccine product.
type VaccineType string

// Supported COVID-19 vaccination types.
const (
	Pfizer            VaccineType = "Pfizer"
	Moderna           VaccineType = "Moderna"
	JohnsonAndJohnson VaccineType = "JohnsonAndJohnson"
	AstraZeneca       VaccineType = "AstraZeneca"
	Sinopharm         VaccineType = "Sinopharm"
	COVAXIN           VaccineType = "COVAXIN"
)

// https://www2a.cdc.gov/vaccines/iis/iisstandards/vaccines.asp?rpt=cvx
func (vt VaccineType) cvxCode() string {
	switch vt {
	case Pfizer:
		return "208"
	case Moderna:
		return "207"
	case JohnsonAndJohnson:
		return "212"
	case AstraZeneca:
		return "210"
	case Sinopharm:
		return "510"
	case COVAXIN:
		return "502"
	}

	panic("cvxCode called on invalid VaccineType")
}

// Name is a patient's name.
type Name struct {
	Family string
	Givens []string
}

// Patient is an individual who has received immunizations.
type Patient struct {
	Name
	BirthDate time.Time
}

// Immunization is one instance of a COVID-19 immunization performed on a
// patient.
type Immunization struct {
	DatePerformed time.Time
	Performer     string
	LotNumber     string
	VaccineType
}

// ImmunizationBundle builds a demo/fixture FHIR Bundle representing a
// patient's COVID-19 immunization history, in the shape expected by the
// vc and shc packages (a collection Bundle whose first entry is the
// Patient and whose remaining entries are Immunizations referencing it).
func ImmunizationBundle(patient Patient, immunizations []Immunization) fhirbundle.Bundle {
	entries := make([]any, 0, len(immunizations)+1)

	entries = append(entries, map[string]any{
		"fullUrl": "resource:0",
		"resource": map[string]any{
			"resourceType": "Patient",
			"name": []any{
				map[string]any{
					"family": patient.Family,
					"given":  stringsToAny(patient.Givens),
				},
			},
			"birthDate": patient.BirthDate.Format("2006-01-02"),
		},
	})

	for i, imm := range immunizations {
		entries = append(entries, map[string]any{
			"fullUrl": fmt.Sprintf("resource:%d", i+1),
			"resource": map[string]any{
				"resourceType": "Immunization",
				"status":       "completed",
				"vaccineCode": map[string]any{
					"coding": []any{
						map[string]any{
							"system": "https://hl7.org/fhir/sid/cvx",
							"code":   imm.VaccineType.cvxCode(),
						},
					},
				},
				"patient":            map[string]any{"reference": "resource:0"},
				"occurrenceDateTime": imm.DatePerformed.Format("2006-01-02"),
				"performer": []any{
					map[string]any{"actor": map[string]any{"display": imm.Performer}},
				},
				"lotNumber": imm.LotNumber,
			},
		})
	}

	return fhirbundle.Bundle{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	}
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
