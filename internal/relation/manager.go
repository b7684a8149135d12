package relation

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/entity-resolver/internal/coalesce"
	"github.com/sells-group/entity-resolver/internal/identity"
	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/store"
)

// Manager owns the relationship graph and every destructive operation on
// entities. Destructive changes only happen through ExecuteReport.
type Manager struct {
	store     store.Store
	coalescer *coalesce.Coalescer
	log       *zap.Logger
	now       func() time.Time
	pageSize  int
}

// New creates a Manager. The coalescer evaluates retirement rules against
// canonical views.
func New(st store.Store, c *coalesce.Coalescer) *Manager {
	return &Manager{
		store:     st,
		coalescer: c,
		log:       zap.L().With(zap.String("component", "relation")),
		now:       func() time.Time { return time.Now().UTC() },
		pageSize:  500,
	}
}

// rejection explains why a key cannot take part in a relationship.
type rejection string

const (
	rejectInvalid      rejection = "invalid key"
	rejectKind         rejection = "wrong entity kind"
	rejectPseudonymous rejection = "pseudonymous key"
	rejectUnregistered rejection = "unregistered entity"
	rejectInactive     rejection = "entity not active"
	rejectSelf         rejection = "subject equals object"
)

// resolveKey normalizes raw, follows merge aliases and checks that the
// entity is a registered, active, resolvable entity of kind. A non-empty
// rejection means the key is refused; err is reserved for store failures.
func (m *Manager) resolveKey(ctx context.Context, q store.Queries, raw string, kind model.EntityKind) (string, rejection, error) {
	k, err := identity.Normalize(raw, "")
	if err != nil {
		return "", rejectInvalid, nil
	}
	if k.Kind != kind {
		return "", rejectKind, nil
	}
	if !k.Mergeable() {
		return "", rejectPseudonymous, nil
	}

	target, err := q.ResolveAlias(ctx, k.Value)
	if err != nil {
		return "", "", err
	}
	ent, err := q.GetEntity(ctx, target)
	if errors.Is(err, model.ErrNotFound) {
		return "", rejectUnregistered, nil
	}
	if err != nil {
		return "", "", err
	}
	if ent.Status != model.StatusActive {
		return "", rejectInactive, nil
	}
	if ent.Identity == model.IdentityPseudonymous {
		return "", rejectPseudonymous, nil
	}
	return target, "", nil
}

// activeEntity parses key and loads it, requiring status active.
func (m *Manager) activeEntity(ctx context.Context, q store.Queries, key string) (*model.Entity, error) {
	if _, err := identity.ParseKey(key); err != nil {
		return nil, err
	}
	ent, err := q.GetEntity(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "relation: get entity %s", key)
	}
	if ent.Status != model.StatusActive {
		return nil, model.NewValidationError("entity_key", key, "entity is "+string(ent.Status))
	}
	return ent, nil
}
