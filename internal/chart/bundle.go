package chart

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"stealthcompany.com/chartprep/internal/clinical"
	"stealthcompany.com/chartprep/internal/metrics"
)

type categoryFetch struct {
	category clinical.Category
	fetch    func(ctx context.Context) error
}

// assembleBundle fetches the patient first and fails if that fails. The
// categories are then fetched concurrently (or in order, in sequential
// mode); a category that fails is left empty and reported as a warning.
func (s *Service) assembleBundle(ctx context.Context, c *Client, patientID string) (*clinical.PatientDataBundle, error) {
	start := time.Now()

	patient, err := c.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	b := &clinical.PatientDataBundle{
		Source:       c.def.ID,
		Patient:      patient,
		Conditions:   []clinical.Condition{},
		Medications:  []clinical.Medication{},
		Observations: []clinical.Observation{},
		Allergies:    []clinical.Allergy{},
		Encounters:   []clinical.Encounter{},
	}

	fetches := []categoryFetch{
		{clinical.CategoryConditions, func(ctx context.Context) (err error) {
			b.Conditions, err = orEmpty(c.Conditions(ctx, patientID))
			return err
		}},
		{clinical.CategoryMedications, func(ctx context.Context) (err error) {
			b.Medications, err = orEmpty(c.Medications(ctx, patientID))
			return err
		}},
		{clinical.CategoryObservations, func(ctx context.Context) (err error) {
			b.Observations, err = orEmpty(c.Observations(ctx, patientID))
			return err
		}},
		{clinical.CategoryAllergies, func(ctx context.Context) (err error) {
			b.Allergies, err = orEmpty(c.Allergies(ctx, patientID))
			return err
		}},
		{clinical.CategoryEncounters, func(ctx context.Context) (err error) {
			b.Encounters, err = orEmpty(c.Encounters(ctx, patientID))
			return err
		}},
	}

	// One slot per category keeps warnings in category order regardless of
	// completion order.
	failures := make([]error, len(fetches))
	if s.sequential {
		for i, f := range fetches {
			failures[i] = f.fetch(ctx)
		}
	} else {
		var g errgroup.Group
		for i, f := range fetches {
			g.Go(func() error {
				failures[i] = f.fetch(ctx)
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i, err := range failures {
		if err != nil {
			s.degrade(ctx, b, fetches[i].category, err)
		}
	}
	b.CollectedAt = s.now().UTC()

	metrics.RecordBundleAssembly(b.Source, start, b.Degraded())
	log.Info().
		Str("source", b.Source).
		Str("patient_id", patientID).
		Int("conditions", len(b.Conditions)).
		Int("medications", len(b.Medications)).
		Int("observations", len(b.Observations)).
		Int("allergies", len(b.Allergies)).
		Int("encounters", len(b.Encounters)).
		Int("warnings", len(b.Warnings)).
		Dur("duration", time.Since(start)).
		Msg("Assembled patient bundle")

	return b, nil
}

func (s *Service) degrade(ctx context.Context, b *clinical.PatientDataBundle, category clinical.Category, cause error) {
	log.Warn().
		Err(cause).
		Str("source", b.Source).
		Str("category", string(category)).
		Str("patient_id", b.Patient.ID).
		Msg("Failed to fetch category, returning empty list")

	b.Warnings = append(b.Warnings, clinical.Warning{
		Category: category,
		Message:  cause.Error(),
	})
	metrics.RecordDegradedCategory(b.Source, string(category))

	if s.recorder == nil {
		return
	}
	d := clinical.Degradation{
		Source:     b.Source,
		Category:   category,
		PatientID:  b.Patient.ID,
		Error:      cause.Error(),
		OccurredAt: s.now().UTC(),
	}
	if err := s.recorder.RecordDegradation(ctx, d); err != nil {
		log.Error().
			Err(err).
			Str("source", b.Source).
			Str("category", string(category)).
			Msg("Failed to record degradation")
	}
}

// orEmpty replaces a nil or failed result with an empty slice.
func orEmpty[T any](v []T, err error) ([]T, error) {
	if err != nil || v == nil {
		return []T{}, err
	}
	return v, nil
}
