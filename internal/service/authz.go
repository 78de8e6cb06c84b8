package service

import (
	"context"

	"tokopos/backend/internal/domain"
)

type Action string

const (
	ActionPreviewSale       Action = "sale.preview"
	ActionCommitSale        Action = "sale.commit"
	ActionViewSale          Action = "sale.view"
	ActionVoidSale          Action = "sale.void"
	ActionOverridePrice     Action = "sale.override_price"
	ActionOpenCashSession   Action = "cash_session.open"
	ActionCloseCashSession  Action = "cash_session.close"
	ActionViewCashSession   Action = "cash_session.view"
	ActionAdjustStock       Action = "stock.adjust"
	ActionViewStock         Action = "stock.view"
	ActionListPromotions    Action = "promotion.list"
	ActionRefreshPromotions Action = "promotion.refresh"
)

// Authorizer decides whether an actor may perform an action. Coordinators ask
// it once per call; they never inspect roles themselves.
type Authorizer interface {
	Authorize(actor domain.Actor, action Action) bool
}

// RoleAuthorizer grants actions by role. Managers and admins may do everything.
type RoleAuthorizer struct {
	grants map[string]map[Action]struct{}
}

func NewRoleAuthorizer() *RoleAuthorizer {
	cashier := []Action{
		ActionPreviewSale,
		ActionCommitSale,
		ActionViewSale,
		ActionOpenCashSession,
		ActionCloseCashSession,
		ActionViewCashSession,
		ActionViewStock,
		ActionListPromotions,
	}
	everything := append([]Action{
		ActionVoidSale,
		ActionOverridePrice,
		ActionAdjustStock,
		ActionRefreshPromotions,
	}, cashier...)

	a := &RoleAuthorizer{grants: make(map[string]map[Action]struct{})}
	a.Grant(domain.RoleCashier, cashier...)
	a.Grant(domain.RoleManager, everything...)
	a.Grant(domain.RoleAdmin, everything...)
	return a
}

func (a *RoleAuthorizer) Grant(role string, actions ...Action) {
	set, ok := a.grants[role]
	if !ok {
		set = make(map[Action]struct{}, len(actions))
		a.grants[role] = set
	}
	for _, action := range actions {
		set[action] = struct{}{}
	}
}

func (a *RoleAuthorizer) Authorize(actor domain.Actor, action Action) bool {
	set, ok := a.grants[actor.Role]
	if !ok {
		return false
	}
	_, ok = set[action]
	return ok
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func (s *Service) authorize(ctx context.Context, action Action) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, domain.ErrForbidden.With("authentication required")
	}
	if !s.authz.Authorize(actor, action) {
		return domain.Actor{}, domain.ErrForbidden.With("%s is not allowed for role %s", action, actor.Role)
	}
	return actor, nil
}
