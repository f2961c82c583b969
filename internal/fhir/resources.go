package fhir

import "encoding/json"

// Resource type names used in search URLs and bundle filtering.
const (
	ResourcePatient             = "Patient"
	ResourcePractitioner        = "Practitioner"
	ResourceCondition           = "Condition"
	ResourceMedicationRequest   = "MedicationRequest"
	ResourceMedicationStatement = "MedicationStatement"
	ResourceObservation         = "Observation"
	ResourceAllergyIntolerance  = "AllergyIntolerance"
	ResourceEncounter           = "Encounter"
)

// Coding is a single code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a set of codings plus free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Identifier is a business identifier such as an MRN.
type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// HumanName is a structured person name.
type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Reference points at another resource, usually as "Type/id".
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity keeps the numeric value as written by the server so "120" and
// "120.0" survive unchanged.
type Quantity struct {
	Value json.Number `json:"value,omitempty"`
	Unit  string      `json:"unit,omitempty"`
	Code  string      `json:"code,omitempty"`
}

type Dosage struct {
	Text string `json:"text,omitempty"`
}

type Patient struct {
	ResourceType        string       `json:"resourceType"`
	ID                  string       `json:"id"`
	Identifier          []Identifier `json:"identifier,omitempty"`
	Name                []HumanName  `json:"name,omitempty"`
	Gender              string       `json:"gender,omitempty"`
	BirthDate           string       `json:"birthDate,omitempty"`
	GeneralPractitioner []Reference  `json:"generalPractitioner,omitempty"`
}

type Qualification struct {
	Code CodeableConcept `json:"code"`
}

type Practitioner struct {
	ResourceType  string          `json:"resourceType"`
	ID            string          `json:"id"`
	Name          []HumanName     `json:"name,omitempty"`
	Qualification []Qualification `json:"qualification,omitempty"`
}

type Condition struct {
	ResourceType   string           `json:"resourceType"`
	ID             string           `json:"id"`
	Code           *CodeableConcept `json:"code,omitempty"`
	ClinicalStatus *CodeableConcept `json:"clinicalStatus,omitempty"`
	OnsetDateTime  string           `json:"onsetDateTime,omitempty"`
	Subject        *Reference       `json:"subject,omitempty"`
}

// MedicationUsage covers both MedicationRequest and MedicationStatement.
// Requests carry dosageInstruction, statements carry dosage.
type MedicationUsage struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id"`
	Status                    string           `json:"status,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	Dosage                    []Dosage         `json:"dosage,omitempty"`
	Subject                   *Reference       `json:"subject,omitempty"`
}

type Observation struct {
	ResourceType         string            `json:"resourceType"`
	ID                   string            `json:"id"`
	Status               string            `json:"status,omitempty"`
	Code                 *CodeableConcept  `json:"code,omitempty"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueString          *string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	EffectiveDateTime    string            `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *Period           `json:"effectivePeriod,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
	Subject              *Reference        `json:"subject,omitempty"`
}

type AllergyReaction struct {
	Manifestation []CodeableConcept `json:"manifestation,omitempty"`
}

type AllergyIntolerance struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Code         *CodeableConcept  `json:"code,omitempty"`
	Criticality  string            `json:"criticality,omitempty"`
	Reaction     []AllergyReaction `json:"reaction,omitempty"`
	Patient      *Reference        `json:"patient,omitempty"`
}

type EncounterParticipant struct {
	Individual *Reference `json:"individual,omitempty"`
}

type Encounter struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Status       string                 `json:"status,omitempty"`
	Type         []CodeableConcept      `json:"type,omitempty"`
	Subject      *Reference             `json:"subject,omitempty"`
	Participant  []EncounterParticipant `json:"participant,omitempty"`
	Period       *Period                `json:"period,omitempty"`
	ReasonCode   []CodeableConcept      `json:"reasonCode,omitempty"`
}
