package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokopos/backend/internal/audit"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/xid"
)

// OpenCashSession starts a drawer session. The open-session lock covers the
// existence check, so two concurrent opens cannot both succeed.
func (s *Service) OpenCashSession(ctx context.Context, req domain.OpenCashSessionRequest) (domain.OpenCashSessionResponse, error) {
	actor, err := s.authorize(ctx, ActionOpenCashSession)
	if err != nil {
		return domain.OpenCashSessionResponse{}, err
	}
	if req.OpeningBalance.IsNegative() {
		return domain.OpenCashSessionResponse{}, domain.ErrNegativeBalance
	}

	session := domain.CashSession{
		ID:             xid.New("cs"),
		OpeningBalance: req.OpeningBalance.Round(2),
		OpenedBy:       actor.Username,
		Totals:         map[string]decimal.Decimal{},
		Notes:          strings.TrimSpace(req.Notes),
	}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		open, err := tx.LockOpenCashSession(ctx)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrAlreadyOpen.With("session %s", open.ID)
		}
		session.OpenedAt = s.clock.Now()
		return tx.InsertCashSession(ctx, session)
	})
	if err != nil {
		return domain.OpenCashSessionResponse{}, err
	}

	s.metrics.CashSessionsOpened.Inc()
	s.emit(ctx, audit.Event{
		Action:     audit.CashSessionOpened,
		Actor:      actor.Username,
		EntityType: "cash_session",
		EntityID:   session.ID,
		At:         session.OpenedAt,
		Fields:     map[string]string{"opening_balance": session.OpeningBalance.StringFixed(2)},
	})

	return domain.OpenCashSessionResponse{
		SessionID: session.ID,
		OpenedAt:  session.OpenedAt.Format(time.RFC3339),
	}, nil
}

// CloseCashSession reconciles the drawer: system = opening + cash takings,
// difference = declared - system.
func (s *Service) CloseCashSession(ctx context.Context, req domain.CloseCashSessionRequest) (domain.Reconciliation, error) {
	actor, err := s.authorize(ctx, ActionCloseCashSession)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	if req.Declared == nil {
		return domain.Reconciliation{}, domain.ErrMissingDeclared
	}
	if req.Declared.IsNegative() {
		return domain.Reconciliation{}, domain.ErrInvalidInput.With("declared amount must not be negative")
	}
	declared := req.Declared.Round(2)
	sessionID := strings.TrimSpace(req.SessionID)

	var session *domain.CashSession
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if sessionID != "" {
			session, err = tx.LockCashSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if !session.IsOpen() {
				return domain.ErrAlreadyClosed.With("session %s", session.ID)
			}
		} else {
			session, err = tx.LockOpenCashSession(ctx)
			if err != nil {
				return err
			}
			if session == nil {
				return domain.ErrSessionNotFound.With("no open cash session")
			}
		}

		system := session.OpeningBalance.Add(session.Totals[domain.PaymentCash])
		difference := declared.Sub(system)
		closedAt := s.clock.Now()
		session.ClosedAt = &closedAt
		session.ClosedBy = actor.Username
		session.Declared = &declared
		session.SystemBalance = &system
		session.Difference = &difference
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			session.Notes = notes
		}
		return tx.CloseCashSession(ctx, *session)
	})
	if err != nil {
		return domain.Reconciliation{}, err
	}

	summary := reconciliationOf(session)
	s.metrics.CashSessionsClosed.Inc()
	s.emit(ctx, audit.Event{
		Action:     audit.CashSessionClosed,
		Actor:      actor.Username,
		EntityType: "cash_session",
		EntityID:   session.ID,
		At:         *session.ClosedAt,
		Fields: map[string]string{
			"system_balance": summary.SystemBalance.StringFixed(2),
			"declared":       summary.Declared.StringFixed(2),
			"difference":     summary.Difference.StringFixed(2),
		},
	})
	return summary, nil
}

// CurrentCashSession reads the open session from storage on every call.
func (s *Service) CurrentCashSession(ctx context.Context) (domain.CashSession, error) {
	if _, err := s.authorize(ctx, ActionViewCashSession); err != nil {
		return domain.CashSession{}, err
	}
	session, err := s.repo.GetOpenCashSession(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

func reconciliationOf(session *domain.CashSession) domain.Reconciliation {
	totals := make(map[string]decimal.Decimal, len(session.Totals))
	for method, amount := range session.Totals {
		totals[method] = amount
	}
	out := domain.Reconciliation{
		SessionID:      session.ID,
		OpeningBalance: session.OpeningBalance,
		CashTotal:      session.Totals[domain.PaymentCash],
		Totals:         totals,
		SaleCount:      session.SaleCount,
		ItemCount:      session.ItemCount,
		VoidCount:      session.VoidCount,
		OpenedAt:       session.OpenedAt.Format(time.RFC3339),
	}
	if session.SystemBalance != nil {
		out.SystemBalance = *session.SystemBalance
	}
	if session.Declared != nil {
		out.Declared = *session.Declared
	}
	if session.Difference != nil {
		out.Difference = *session.Difference
	}
	if session.ClosedAt != nil {
		out.ClosedAt = session.ClosedAt.Format(time.RFC3339)
	}
	return out
}
