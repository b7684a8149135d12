package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/derive"
	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/metrics"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/resilience"
	"github.com/sells-group/entity-resolver/internal/store"
)

// Envelope is an observation as delivered by an ingest adapter. The entity
// key may be any raw domain or profile URL; it is normalized on receipt.
type Envelope struct {
	EntityKey string `json:"entity_key" validate:"required"`
	// Kind forces the entity kind. Empty detects it from the key.
	Kind       model.EntityKind  `json:"kind,omitempty" validate:"omitempty,oneof=company person"`
	Source     string            `json:"source" validate:"required,max=128"`
	Dimension  model.Dimension   `json:"dimension" validate:"required"`
	RawPayload json.RawMessage   `json:"raw_payload,omitempty"`
	Extracted  map[string]string `json:"extracted_fields,omitempty"`
	ObservedAt time.Time         `json:"observed_at" validate:"required"`
}

// Ingest validates and stores one observation and upserts the dimension
// records it backs. Rejected envelopes store nothing. Redelivery of an
// identical observation is reported as a duplicate and rewrites the same
// records, which is a no-op.
func (s *Service) Ingest(ctx context.Context, env Envelope) (*model.IngestResult, error) {
	obs, key, err := s.accept(env)
	if err != nil {
		metrics.RecordObservation(env.Source, string(env.Dimension), "rejected")
		return nil, err
	}

	b := s.builder.Load()
	res, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*model.IngestResult, error) {
		return s.write(ctx, b, key, obs)
	})
	if err != nil {
		metrics.RecordObservation(obs.Source, string(obs.Dimension), "failed")
		return nil, eris.Wrapf(err, "engine: ingest %s/%s/%s", obs.EntityKey, obs.Source, obs.Dimension)
	}

	outcome := "stored"
	if res.Duplicate {
		outcome = "duplicate"
	}
	metrics.RecordObservation(obs.Source, string(obs.Dimension), outcome)
	for _, d := range res.LookupMisses {
		metrics.RecordLookupMiss(string(d))
	}
	s.invalidate(ctx, obs.EntityKey)

	s.log.Debug("observation ingested",
		zap.String("entity_key", obs.EntityKey),
		zap.String("source", obs.Source),
		zap.String("dimension", string(obs.Dimension)),
		zap.Int64("observation_id", res.ObservationID),
		zap.Bool("duplicate", res.Duplicate),
	)
	return res, nil
}

// accept validates the envelope and builds the observation to store.
func (s *Service) accept(env Envelope) (model.Observation, model.Key, error) {
	if err := s.validate.Struct(env); err != nil {
		return model.Observation{}, model.Key{}, validationError(err)
	}
	key, err := identity.Normalize(env.EntityKey, env.Kind)
	if err != nil {
		return model.Observation{}, model.Key{}, err
	}
	spec, ok := env.Dimension.Spec()
	if !ok {
		return model.Observation{}, model.Key{}, model.NewValidationError("dimension", string(env.Dimension), "unknown dimension")
	}
	if spec.Derived {
		return model.Observation{}, model.Key{}, model.NewValidationError("dimension", string(env.Dimension), "derived by classification rules")
	}
	if !env.Dimension.AppliesTo(key.Kind) {
		return model.Observation{}, model.Key{}, model.NewValidationError("dimension", string(env.Dimension), "not a "+string(key.Kind)+" dimension")
	}

	obs := model.Observation{
		EntityKey:  key.Value,
		Source:     strings.TrimSpace(env.Source),
		Dimension:  env.Dimension,
		RawPayload: env.RawPayload,
		Extracted:  env.Extracted,
		ObservedAt: env.ObservedAt.UTC(),
	}
	obs.PayloadHash = obs.Hash()
	return obs, key, nil
}

// write stores the observation and its records in one transaction.
func (s *Service) write(ctx context.Context, b *derive.Builder, key model.Key, obs model.Observation) (*model.IngestResult, error) {
	res := &model.IngestResult{}
	err := s.store.InTx(ctx, func(q store.Queries) error {
		if _, err := q.RegisterEntity(ctx, key); err != nil {
			return err
		}
		created, err := q.InsertObservation(ctx, &obs)
		if err != nil {
			return err
		}
		res.ObservationID = obs.ID
		res.Duplicate = !created

		built, err := b.Build(ctx, key.Kind, obs)
		if err != nil {
			return err
		}
		if built.Miss {
			res.LookupMisses = append(res.LookupMisses, obs.Dimension)
		}
		for _, rec := range built.Records() {
			rec, err := derive.GuardCurated(ctx, q, rec)
			if err != nil {
				return err
			}
			changed, err := q.UpsertRecord(ctx, rec, upsertMode(rec))
			if err != nil {
				return err
			}
			if changed {
				res.Applied = append(res.Applied, rec.Dimension)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// upsertMode selects the write guard for rec. A curated name without a
// canonical value is empty or repeats the raw name, and never replaces a
// stored one.
func upsertMode(rec model.Record) model.UpsertMode {
	if rec.Dimension == model.DimCuratedName && !rec.HasCanonical() {
		return model.UpsertKeepExisting
	}
	return model.UpsertLatest
}

// validationError converts the first validator failure into a
// ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		value, _ := fe.Value().(string)
		return model.NewValidationError(toSnake(fe.Field()), value, "failed "+fe.Tag()+" check")
	}
	return model.NewValidationError("envelope", "", err.Error())
}

func toSnake(field string) string {
	switch field {
	case "EntityKey":
		return "entity_key"
	case "ObservedAt":
		return "observed_at"
	}
	return strings.ToLower(field)
}
