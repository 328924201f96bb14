package fhirbundle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseValidBundle(t *testing.T) {
	assert := assert.New(t)

	b, err := Parse([]byte(`{"resourceType":"Bundle","type":"collection","entry":[]}`))
	assert.NoError(err)
	assert.Equal("Bundle", b["resourceType"])
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestValidateRejectsNilBundle(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidateRejectsWrongResourceType(t *testing.T) {
	err := Validate(Bundle{"resourceType": "Patient"})
	assert.Error(t, err)
}

func TestValidateRejectsUnrecognisedType(t *testing.T) {
	err := Validate(Bundle{"resourceType": "Bundle", "type": "not-a-real-type"})
	assert.Error(t, err)
}

func TestValidateAcceptsMissingType(t *testing.T) {
	err := Validate(Bundle{"resourceType": "Bundle"})
	assert.NoError(t, err)
}

func TestValidateRejectsNonArrayEntry(t *testing.T) {
	err := Validate(Bundle{"resourceType": "Bundle", "entry": "oops"})
	assert.Error(t, err)
}

func TestValidateRejectsEntryWithoutResource(t *testing.T) {
	err := Validate(Bundle{
		"resourceType": "Bundle",
		"entry":        []any{map[string]any{"fullUrl": "resource:0"}},
	})
	assert.Error(t, err)
}

func TestValidateRejectsResourceWithoutResourceType(t *testing.T) {
	err := Validate(Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{"resource": map[string]any{}},
		},
	})
	assert.Error(t, err)
}

func TestValidateAcceptsWellFormedEntries(t *testing.T) {
	err := Validate(Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "Patient"}},
		},
	})
	assert.NoError(t, err)
}

func TestStandardDefaultsTypeToCollection(t *testing.T) {
	assert := assert.New(t)

	out, err := Standard(Bundle{"resourceType": "Bundle"})
	assert.NoError(err)
	assert.Equal("collection", out["type"])
}

func TestStandardPreservesExplicitType(t *testing.T) {
	out, err := Standard(Bundle{"resourceType": "Bundle", "type": "document"})
	assert.NoError(t, err)
	assert.Equal(t, "document", out["type"])
}

func TestStandardIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	b := Bundle{"resourceType": "Bundle", "type": "document"}
	once, err := Standard(b)
	assert.NoError(err)
	twice, err := Standard(once)
	assert.NoError(err)
	assert.Equal(once, twice)
}

func TestStandardDeepCopiesInput(t *testing.T) {
	assert := assert.New(t)

	b := Bundle{"resourceType": "Bundle"}
	out, err := Standard(b)
	assert.NoError(err)

	out["type"] = "mutated"
	assert.NotContains(b, "type")
}

func bundleWithImmunizationReferencingPatient(fullURL, reference string) Bundle {
	return Bundle{
		"resourceType": "Bundle",
		"id":           "abc-123",
		"entry": []any{
			map[string]any{
				"fullUrl":  fullURL,
				"resource": map[string]any{"resourceType": "Patient", "id": "patient-1"},
			},
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Immunization",
					"patient":      map[string]any{"reference": reference},
				},
			},
		},
	}
}

func TestOptimizeForQRDropsBundleID(t *testing.T) {
	b := bundleWithImmunizationReferencingPatient("resource:0", "resource:0")
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)
	assert.NotContains(t, out, "id")
}

func TestOptimizeForQRRewritesFullURLReference(t *testing.T) {
	assert := assert.New(t)

	b := bundleWithImmunizationReferencingPatient(
		"urn:uuid:c61a3114-..some-patient",
		"urn:uuid:c61a3114-..some-patient",
	)
	out, err := OptimizeForQR(b, true)
	assert.NoError(err)

	entries := out["entry"].([]any)
	patientEntry := entries[0].(map[string]any)
	assert.Equal("resource:0", patientEntry["fullUrl"])

	immunization := entries[1].(map[string]any)["resource"].(map[string]any)
	assert.Equal("resource:0", immunization["patient"].(map[string]any)["reference"])
}

func TestOptimizeForQRRewritesLastTwoSegmentReference(t *testing.T) {
	assert := assert.New(t)

	b := bundleWithImmunizationReferencingPatient(
		"https://example.org/fhir/Patient/123",
		"Patient/123",
	)
	out, err := OptimizeForQR(b, true)
	assert.NoError(err)

	entries := out["entry"].([]any)
	immunization := entries[1].(map[string]any)["resource"].(map[string]any)
	assert.Equal("resource:0", immunization["patient"].(map[string]any)["reference"])
}

func TestOptimizeForQRStrictRejectsUnresolvableReference(t *testing.T) {
	b := bundleWithImmunizationReferencingPatient("resource:0", "Patient/does-not-exist")
	_, err := OptimizeForQR(b, true)
	assert.Error(t, err)
}

func TestOptimizeForQRNonStrictLeavesUnresolvableReference(t *testing.T) {
	assert := assert.New(t)

	b := bundleWithImmunizationReferencingPatient("resource:0", "Patient/does-not-exist")
	out, err := OptimizeForQR(b, false)
	assert.NoError(err)

	entries := out["entry"].([]any)
	immunization := entries[1].(map[string]any)["resource"].(map[string]any)
	assert.Equal("Patient/does-not-exist", immunization["patient"].(map[string]any)["reference"])
}

func TestOptimizeForQRStripsNarrativeTextWithDiv(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Patient",
					"text":         map[string]any{"status": "generated", "div": "<div>John Smith</div>"},
				},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	assert.NotContains(t, resource, "text")
}

func TestOptimizeForQRStripsCodeableConceptTextWhenCodingPresent(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Immunization",
					"vaccineCode": map[string]any{
						"text":   "COVID-19 vaccine",
						"coding": []any{map[string]any{"system": "http://hl7.org/fhir/sid/cvx", "code": "208"}},
					},
				},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	vaccineCode := resource["vaccineCode"].(map[string]any)
	assert.NotContains(t, vaccineCode, "text")
}

func TestOptimizeForQRStripsDisplayWhenSystemAndCodePresent(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Immunization",
					"coding": map[string]any{
						"system":  "http://hl7.org/fhir/sid/cvx",
						"code":    "208",
						"display": "COVID-19 vaccine",
					},
				},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	coding := resource["coding"].(map[string]any)
	assert.NotContains(t, coding, "display")
}

func TestOptimizeForQRDropsResourceID(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{"resourceType": "Patient", "id": "patient-1"},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	assert.NotContains(t, resource, "id")
}

func TestOptimizeForQRKeepsOnlyMetaSecurity(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Patient",
					"meta": map[string]any{
						"versionId":   "1",
						"lastUpdated": "2021-01-01T00:00:00Z",
						"security":    []any{map[string]any{"system": "https://smarthealth.cards/ial", "code": "IAL1.2"}},
					},
				},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	meta := resource["meta"].(map[string]any)
	assert.NotContains(t, meta, "versionId")
	assert.NotContains(t, meta, "lastUpdated")
	assert.Contains(t, meta, "security")
}

func TestOptimizeForQRDropsMetaWithoutSecurity(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Patient",
					"meta":         map[string]any{"versionId": "1"},
				},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	assert.NotContains(t, resource, "meta")
}

func TestOptimizeForQRDropsNullsAndEmptyArrays(t *testing.T) {
	b := Bundle{
		"resourceType": "Bundle",
		"entry": []any{
			map[string]any{
				"resource": map[string]any{
					"resourceType": "Patient",
					"deceased":     nil,
					"identifier":   []any{},
				},
			},
		},
	}
	out, err := OptimizeForQR(b, true)
	assert.NoError(t, err)

	resource := out["entry"].([]any)[0].(map[string]any)["resource"].(map[string]any)
	assert.NotContains(t, resource, "deceased")
	assert.NotContains(t, resource, "identifier")
}

func TestOptimizeForQRDoesNotMutateInput(t *testing.T) {
	assert := assert.New(t)

	b := bundleWithImmunizationReferencingPatient("resource:0", "resource:0")
	_, err := OptimizeForQR(b, true)
	assert.NoError(err)
	assert.Equal("abc-123", b["id"])
}

func TestBundleMarshalJSON(t *testing.T) {
	assert := assert.New(t)

	b := Bundle{"resourceType": "Bundle", "type": "collection"}
	data, err := json.Marshal(b)
	assert.NoError(err)
	assert.JSONEq(`{"resourceType":"Bundle","type":"collection"}`, string(data))
}
