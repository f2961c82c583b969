// Package clinical holds the normalized, source-independent view of a
// patient's chart that downstream summarization consumes.
package clinical

import "time"

// Category names one section of a patient bundle.
type Category string

const (
	CategoryConditions   Category = "conditions"
	CategoryMedications  Category = "medications"
	CategoryObservations Category = "observations"
	CategoryAllergies    Category = "allergies"
	CategoryEncounters   Category = "encounters"
)

// Categories lists every bundle section in assembly order.
var Categories = []Category{
	CategoryConditions,
	CategoryMedications,
	CategoryObservations,
	CategoryAllergies,
	CategoryEncounters,
}

// UnknownName is used when a resource carries no usable name.
const UnknownName = "Unknown"

// Patient is the demographic summary of a patient.
type Patient struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	MRN                   string `json:"mrn,omitempty"`
	BirthDate             string `json:"dob,omitempty"`
	Gender                string `json:"gender,omitempty"`
	GeneralPractitionerID string `json:"general_practitioner_id,omitempty"`
}

// Practitioner is the demographic summary of a clinician.
type Practitioner struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Prefix    string `json:"prefix,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

type Condition struct {
	Code           string `json:"code"`
	Display        string `json:"display"`
	ClinicalStatus string `json:"clinical_status,omitempty"`
	OnsetDate      string `json:"onset_date,omitempty"`
}

type Medication struct {
	Code    string `json:"code"`
	Display string `json:"display"`
	Status  string `json:"status,omitempty"`
	Dosage  string `json:"dosage,omitempty"`
}

type Observation struct {
	Code     string `json:"code"`
	Display  string `json:"display"`
	Value    string `json:"value,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Date     string `json:"date,omitempty"`
	Abnormal bool   `json:"abnormal"`
}

type Allergy struct {
	Code        string `json:"code"`
	Display     string `json:"display"`
	Criticality string `json:"criticality,omitempty"`
	Reaction    string `json:"reaction,omitempty"`
}

type Encounter struct {
	ID       string `json:"id"`
	Type     string `json:"type,omitempty"`
	Date     string `json:"date,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Warning records a bundle section that could not be fetched and was
// returned empty instead.
type Warning struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
}

// PatientDataBundle aggregates everything known about one patient from one
// source. It is rebuilt on every fetch.
type PatientDataBundle struct {
	Source       string        `json:"source"`
	Patient      Patient       `json:"patient"`
	Conditions   []Condition   `json:"conditions"`
	Medications  []Medication  `json:"medications"`
	Observations []Observation `json:"observations"`
	Allergies    []Allergy     `json:"allergies"`
	Encounters   []Encounter   `json:"encounters"`
	Warnings     []Warning     `json:"warnings,omitempty"`
	CollectedAt  time.Time     `json:"collected_at"`
}

// Degraded reports whether any section was replaced by an empty list.
func (b *PatientDataBundle) Degraded() bool {
	return len(b.Warnings) > 0
}

// SourceInfo describes a selectable data source.
type SourceInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Sandbox     bool   `json:"sandbox"`
}

// Degradation is the audit form of a Warning.
type Degradation struct {
	Source     string    `json:"source"`
	Category   Category  `json:"category"`
	PatientID  string    `json:"patient_id"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}
