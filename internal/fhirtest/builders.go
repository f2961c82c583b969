package fhirtest

// The builders return plain maps so tests can seed exactly the JSON a vendor
// would send, including malformed or partial resources.

// Patient builds a Patient with one official name.
func Patient(id, given, family string) map[string]any {
	return map[string]any{
		"resourceType": "Patient",
		"id":           id,
		"name":         []any{map[string]any{"given": []any{given}, "family": family}},
		"gender":       "female",
		"birthDate":    "1970-01-01",
	}
}

// Practitioner builds a Practitioner with a prefix.
func Practitioner(id, given, family string) map[string]any {
	return map[string]any{
		"resourceType": "Practitioner",
		"id":           id,
		"name":         []any{map[string]any{"prefix": []any{"Dr."}, "given": []any{given}, "family": family}},
	}
}

// Coded builds a resource of resourceType for patientID whose code concept
// holds one coding. An empty code yields a resource without coding.
func Coded(resourceType, id, patientID, code, display string) map[string]any {
	res := map[string]any{
		"resourceType": resourceType,
		"id":           id,
	}

	subjectField, codeField := "subject", "code"
	switch resourceType {
	case "AllergyIntolerance":
		subjectField = "patient"
	case "MedicationRequest", "MedicationStatement":
		codeField = "medicationCodeableConcept"
	}
	res[subjectField] = map[string]any{"reference": "Patient/" + patientID}

	if code != "" {
		res[codeField] = map[string]any{"coding": []any{map[string]any{"code": code, "display": display}}}
	} else {
		res[codeField] = map[string]any{"text": display}
	}
	return res
}

// Encounter builds an Encounter for patientID seen by practitionerID.
func Encounter(id, patientID, practitionerID string) map[string]any {
	return map[string]any{
		"resourceType": "Encounter",
		"id":           id,
		"status":       "finished",
		"subject":      map[string]any{"reference": "Patient/" + patientID},
		"participant": []any{map[string]any{
			"individual": map[string]any{"reference": "Practitioner/" + practitionerID},
		}},
		"period": map[string]any{"start": "2024-06-01T09:00:00Z"},
	}
}
