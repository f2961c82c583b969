package chart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/chartprep/internal/apperrors"
	"stealthcompany.com/chartprep/internal/clinical"
	"stealthcompany.com/chartprep/internal/sources"
)

// DefaultSearchCount is used when a search asks for zero or fewer results.
const DefaultSearchCount = 50

// ClientFactory builds the Client for a source the first time it is used.
type ClientFactory func(ctx context.Context, def sources.Definition) (*Client, error)

// DegradationRecorder receives one record per bundle category that had to
// be returned empty.
type DegradationRecorder interface {
	RecordDegradation(ctx context.Context, d clinical.Degradation) error
}

// Service routes facade calls to per-source clients, creating each client
// lazily and reusing it afterwards.
type Service struct {
	defs          map[string]sources.Definition
	order         []string
	defaultSource string
	factory       ClientFactory
	recorder      DegradationRecorder
	sequential    bool
	now           func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultSource selects the source used when a call names none.
func WithDefaultSource(id string) Option {
	return func(s *Service) {
		s.defaultSource = id
	}
}

// WithClientFactory replaces how clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Service) {
		s.factory = f
	}
}

// WithDegradationRecorder sends degraded categories to r in addition to the
// bundle warnings.
func WithDegradationRecorder(r DegradationRecorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithSequentialBundles fetches bundle categories one after another instead
// of concurrently.
func WithSequentialBundles() Option {
	return func(s *Service) {
		s.sequential = true
	}
}

// WithServiceClock overrides the clock used to stamp bundles.
func WithServiceClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a router over defs. Source ids must be unique and the
// default source, when set, must be one of them.
func NewService(defs []sources.Definition, opts ...Option) (*Service, error) {
	s := &Service{
		defs:    make(map[string]sources.Definition, len(defs)),
		clients: make(map[string]*Client),
		now:     time.Now,
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, apperrors.Configuration("", "source id is required", nil)
		}
		if _, dup := s.defs[d.ID]; dup {
			return nil, apperrors.Configuration(d.ID, "source is defined twice", nil)
		}
		s.defs[d.ID] = d
		s.order = append(s.order, d.ID)
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.factory == nil {
		s.factory = NewClientFactory(nil, nil)
	}
	if s.defaultSource == "" && len(s.order) > 0 {
		s.defaultSource = s.order[0]
	}
	if s.defaultSource != "" {
		if _, ok := s.defs[s.defaultSource]; !ok {
			return nil, apperrors.Configuration(s.defaultSource, "default source is not defined", nil)
		}
	}
	return s, nil
}

// DefaultSource returns the id used when a call names no source.
func (s *Service) DefaultSource() string {
	return s.defaultSource
}

// ListSources describes every registered source in registration order.
func (s *Service) ListSources() []clinical.SourceInfo {
	out := make([]clinical.SourceInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.defs[id].Info())
	}
	return out
}

// SearchPractitioners lists up to count practitioners. Fetch failures
// degrade to an empty list.
func (s *Service) SearchPractitioners(ctx context.Context, source string, count int) ([]clinical.Practitioner, error) {
	c, err := s.client(ctx, source)
	if err != nil {
		return nil, err
	}

	practitioners, err := c.SearchPractitioners(ctx, normalizeCount(count))
	if err != nil {
		return degradeSearch[clinical.Practitioner](c.def.ID, "practitioners", err)
	}
	return practitioners, nil
}

// SearchPatients lists up to count patients, scoped to practitionerID's
// encounters when it is non-empty. Fetch failures degrade to an empty list.
func (s *Service) SearchPatients(ctx context.Context, source string, count int, practitionerID string) ([]clinical.Patient, error) {
	c, err := s.client(ctx, source)
	if err != nil {
		return nil, err
	}

	count = normalizeCount(count)
	var patients []clinical.Patient
	if practitionerID != "" {
		patients, err = c.PractitionerPatients(ctx, practitionerID, count)
	} else {
		patients, err = c.SearchPatients(ctx, count)
	}
	if err != nil {
		return degradeSearch[clinical.Patient](c.def.ID, "patients", err)
	}
	return patients, nil
}

// GetPatient reads one patient. A missing patient is a NotFoundError; every
// other failure is returned unchanged.
func (s *Service) GetPatient(ctx context.Context, source, patientID string) (clinical.Patient, error) {
	c, err := s.client(ctx, source)
	if err != nil {
		return clinical.Patient{}, err
	}
	return c.GetPatient(ctx, patientID)
}

// GetPatientBundle assembles the chart for one patient. See assembleBundle.
func (s *Service) GetPatientBundle(ctx context.Context, source, patientID string) (*clinical.PatientDataBundle, error) {
	c, err := s.client(ctx, source)
	if err != nil {
		return nil, err
	}
	return s.assembleBundle(ctx, c, patientID)
}

func (s *Service) client(ctx context.Context, source string) (*Client, error) {
	if source == "" {
		source = s.defaultSource
	}
	def, ok := s.defs[source]
	if !ok {
		return nil, apperrors.Configuration(source, fmt.Sprintf("unknown source %q", source), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[source]; ok {
		return c, nil
	}
	c, err := s.factory(ctx, def)
	if err != nil {
		return nil, err
	}
	s.clients[source] = c

	log.Info().
		Str("source", source).
		Str("auth", string(def.Auth.Kind)).
		Msg("Initialized FHIR source client")
	return c, nil
}

func normalizeCount(count int) int {
	if count <= 0 {
		return DefaultSearchCount
	}
	return count
}

// degradeSearch turns a FetchError into an empty result and passes every
// other error through.
func degradeSearch[T any](source, what string, err error) ([]T, error) {
	if _, ok := apperrors.AsFetch(err); !ok {
		return nil, err
	}
	log.Warn().
		Err(err).
		Str("source", source).
		Msgf("Failed to search %s, returning empty result", what)
	return []T{}, nil
}
