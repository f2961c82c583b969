package sources

import (
	"fmt"

	"stealthcompany.com/chartprep/internal/clinical"
)

// SyntheticPatientCount is how many placeholders a sandbox search yields
// when none of its test patients resolve.
const SyntheticPatientCount = 3

// SyntheticPatients returns n placeholder patients with ids
// "<source>-test-1" .. "<source>-test-n".
func SyntheticPatients(source string, n int) []clinical.Patient {
	patients := make([]clinical.Patient, 0, n)
	for i := 1; i <= n; i++ {
		patients = append(patients, clinical.Patient{
			ID:     fmt.Sprintf("%s-test-%d", source, i),
			Name:   fmt.Sprintf("Test Patient %d", i),
			MRN:    fmt.Sprintf("TEST-%03d", i),
			Gender: "unknown",
		})
	}
	return patients
}
