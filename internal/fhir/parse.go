package fhir

import (
	"strings"

	"stealthcompany.com/chartprep/internal/clinical"
)

// abnormalInterpretations are the v3 ObservationInterpretation codes that
// mark a result as outside its reference range.
var abnormalInterpretations = map[string]bool{
	"H": true,
	"L": true,
	"A": true,
}

// IdentifierRule selects which patient identifier is the MRN. A rule with
// both fields set must match both. The zero rule matches identifiers typed
// with the v2-0203 "MR" code.
type IdentifierRule struct {
	Use    string `mapstructure:"use" json:"use,omitempty"`
	System string `mapstructure:"system" json:"system,omitempty"`
}

// Matches reports whether the identifier satisfies the rule.
func (r IdentifierRule) Matches(id Identifier) bool {
	if r.Use == "" && r.System == "" {
		if id.Type == nil {
			return false
		}
		for _, c := range id.Type.Coding {
			if c.Code == "MR" {
				return true
			}
		}
		return false
	}
	if r.Use != "" && id.Use != r.Use {
		return false
	}
	if r.System != "" && id.System != r.System {
		return false
	}
	return true
}

// ParsePatient maps a Patient resource. Resources without an id are rejected.
func ParsePatient(p Patient, mrn IdentifierRule) (clinical.Patient, bool) {
	if p.ID == "" {
		return clinical.Patient{}, false
	}

	out := clinical.Patient{
		ID:        p.ID,
		Name:      formatName(p.Name),
		BirthDate: p.BirthDate,
		Gender:    p.Gender,
	}

	for _, id := range p.Identifier {
		if id.Value != "" && mrn.Matches(id) {
			out.MRN = id.Value
			break
		}
	}

	for _, gp := range p.GeneralPractitioner {
		if ref := ReferenceID(gp.Reference, ResourcePractitioner); ref != "" {
			out.GeneralPractitionerID = ref
			break
		}
	}

	return out, true
}

// ParsePractitioner maps a Practitioner resource.
func ParsePractitioner(p Practitioner) (clinical.Practitioner, bool) {
	if p.ID == "" {
		return clinical.Practitioner{}, false
	}

	out := clinical.Practitioner{
		ID:   p.ID,
		Name: formatName(p.Name),
	}
	if len(p.Name) > 0 {
		out.Prefix = joinNonEmpty(p.Name[0].Prefix)
	}
	for _, q := range p.Qualification {
		if s := conceptText(&q.Code); s != "" {
			out.Specialty = s
			break
		}
	}

	return out, true
}

// ParseCondition maps a Condition. Uncoded conditions yield no entity.
func ParseCondition(c Condition) (clinical.Condition, bool) {
	code, display, ok := primaryCode(c.Code)
	if !ok {
		return clinical.Condition{}, false
	}

	out := clinical.Condition{
		Code:      code,
		Display:   display,
		OnsetDate: c.OnsetDateTime,
	}
	if c.ClinicalStatus != nil && len(c.ClinicalStatus.Coding) > 0 {
		out.ClinicalStatus = c.ClinicalStatus.Coding[0].Code
	}

	return out, true
}

// ParseMedication maps a MedicationRequest or MedicationStatement. Only
// inline medicationCodeableConcept is read; reference-only medications
// yield no entity.
func ParseMedication(m MedicationUsage) (clinical.Medication, bool) {
	code, display, ok := primaryCode(m.MedicationCodeableConcept)
	if !ok {
		return clinical.Medication{}, false
	}

	out := clinical.Medication{
		Code:    code,
		Display: display,
		Status:  m.Status,
	}
	out.Dosage = firstDosageText(m.DosageInstruction)
	if out.Dosage == "" {
		out.Dosage = firstDosageText(m.Dosage)
	}

	return out, true
}

// ParseObservation maps an Observation, including the abnormal flag.
func ParseObservation(o Observation) (clinical.Observation, bool) {
	code, display, ok := primaryCode(o.Code)
	if !ok {
		return clinical.Observation{}, false
	}

	out := clinical.Observation{
		Code:     code,
		Display:  display,
		Date:     o.EffectiveDateTime,
		Abnormal: IsAbnormal(o.Interpretation),
	}
	if out.Date == "" && o.EffectivePeriod != nil {
		out.Date = o.EffectivePeriod.Start
	}

	switch {
	case o.ValueQuantity != nil:
		out.Value = o.ValueQuantity.Value.String()
		out.Unit = o.ValueQuantity.Unit
		if out.Unit == "" {
			out.Unit = o.ValueQuantity.Code
		}
	case o.ValueString != nil:
		out.Value = *o.ValueString
	case o.ValueCodeableConcept != nil:
		out.Value = conceptText(o.ValueCodeableConcept)
	}

	return out, true
}

// IsAbnormal reports whether any interpretation coding is H, L or A.
func IsAbnormal(interpretations []CodeableConcept) bool {
	for _, interp := range interpretations {
		for _, c := range interp.Coding {
			if abnormalInterpretations[c.Code] {
				return true
			}
		}
	}
	return false
}

// ParseAllergy maps an AllergyIntolerance.
func ParseAllergy(a AllergyIntolerance) (clinical.Allergy, bool) {
	code, display, ok := primaryCode(a.Code)
	if !ok {
		return clinical.Allergy{}, false
	}

	out := clinical.Allergy{
		Code:        code,
		Display:     display,
		Criticality: a.Criticality,
	}
	for _, r := range a.Reaction {
		if s := firstConceptText(r.Manifestation); s != "" {
			out.Reaction = s
			break
		}
	}

	return out, true
}

// ParseEncounter maps an Encounter. Encounters have no required coding and
// are kept as long as they carry an id.
func ParseEncounter(e Encounter) (clinical.Encounter, bool) {
	if e.ID == "" {
		return clinical.Encounter{}, false
	}

	out := clinical.Encounter{
		ID:     e.ID,
		Type:   firstConceptText(e.Type),
		Reason: firstConceptText(e.ReasonCode),
	}
	if e.Period != nil {
		out.Date = e.Period.Start
	}
	for _, p := range e.Participant {
		if p.Individual != nil && p.Individual.Display != "" {
			out.Provider = p.Individual.Display
			break
		}
	}

	return out, true
}

// primaryCode reads the first coding of a concept. Display falls back to
// the code.
func primaryCode(cc *CodeableConcept) (code, display string, ok bool) {
	if cc == nil || len(cc.Coding) == 0 {
		return "", "", false
	}

	first := cc.Coding[0]
	if first.Code == "" && first.Display == "" {
		return "", "", false
	}

	display = first.Display
	if display == "" {
		display = first.Code
	}
	return first.Code, display, true
}

// conceptText prefers the first coding display, then the concept text.
func conceptText(cc *CodeableConcept) string {
	if cc == nil {
		return ""
	}
	for _, c := range cc.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	return cc.Text
}

func firstConceptText(concepts []CodeableConcept) string {
	for i := range concepts {
		if s := conceptText(&concepts[i]); s != "" {
			return s
		}
	}
	return ""
}

func firstDosageText(dosages []Dosage) string {
	for _, d := range dosages {
		if d.Text != "" {
			return d.Text
		}
	}
	return ""
}

func formatName(names []HumanName) string {
	if len(names) == 0 {
		return clinical.UnknownName
	}

	n := names[0]
	parts := make([]string, 0, len(n.Given)+1)
	parts = append(parts, n.Given...)
	parts = append(parts, n.Family)

	name := joinNonEmpty(parts)
	if name == "" {
		name = strings.TrimSpace(n.Text)
	}
	if name == "" {
		return clinical.UnknownName
	}
	return name
}

func joinNonEmpty(parts []string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
