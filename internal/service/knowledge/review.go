package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hivemind-dev/hivemind/internal/model"
	"github.com/hivemind-dev/hivemind/internal/storage"
)

// requireApprover gates the review surface on the approve action.
func (s *Service) requireApprover(ctx context.Context, p model.Principal) error {
	allowed, err := s.authz.Enforce(ctx, p.AgentID, p.OrgID, model.ObjectNamespace(p.OrgID), model.ActionApprove)
	if err != nil {
		return fmt.Errorf("knowledge: enforce approve: %w", err)
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

// ListPending returns the org's open review queue, oldest first.
func (s *Service) ListPending(ctx context.Context, p model.Principal, limit, offset int) ([]model.PendingContribution, error) {
	if err := s.requireApprover(ctx, p); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.DefaultSearchLimit
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	out, err := s.store.ListPendingContributions(ctx, p.OrgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list pending: %w", err)
	}
	return out, nil
}

// ApproveContribution promotes a pending contribution into the commons. The
// status transition, the item insert, and the webhook enqueue commit in one
// transaction; the lexical index updates after commit.
func (s *Service) ApproveContribution(ctx context.Context, p model.Principal, contributionID uuid.UUID, note *string) (model.KnowledgeItem, error) {
	if err := s.requireApprover(ctx, p); err != nil {
		return model.KnowledgeItem{}, err
	}

	c, err := s.store.GetContribution(ctx, p.OrgID, contributionID)
	if err != nil {
		return model.KnowledgeItem{}, err
	}

	// If the content landed in the commons through another path since the
	// contribution was queued, close the queue entry against the existing row
	// rather than violating the hash uniqueness.
	if existing, err := s.store.GetItemByHash(ctx, p.OrgID, c.ContentHash); err == nil {
		err = s.store.InTx(ctx, func(tx pgx.Tx) error {
			_, err := s.store.MarkContributionReviewedTx(ctx, tx, p.OrgID, contributionID, model.StatusApproved, p.AgentID, note)
			return err
		})
		if err != nil {
			return model.KnowledgeItem{}, fmt.Errorf("knowledge: close duplicate contribution: %w", err)
		}
		s.audit(ctx, p.OrgID, p.AgentID, "contribution.approve", contributionID.String(),
			map[string]any{"collapsed_into": existing.ID.String()})
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.KnowledgeItem{}, fmt.Errorf("knowledge: approval hash check: %w", err)
	}

	now := s.now()
	var item model.KnowledgeItem
	err = s.store.InTx(ctx, func(tx pgx.Tx) error {
		reviewed, err := s.store.MarkContributionReviewedTx(ctx, tx, p.OrgID, contributionID, model.StatusApproved, p.AgentID, note)
		if err != nil {
			return err
		}
		item, err = s.store.InsertItemTx(ctx, tx, model.KnowledgeItem{
			OrgID:         reviewed.OrgID,
			Content:       reviewed.Content,
			Title:         reviewed.Title,
			Category:      reviewed.Category,
			Tags:          itemTags(reviewed.Tags),
			ContentHash:   reviewed.ContentHash,
			Embedding:     reviewed.Embedding,
			SourceAgentID: reviewed.SourceAgentID,
			ContributedAt: now,
			Confidence:    reviewed.Confidence,
			IsPublic:      false,
		})
		if err != nil {
			return err
		}
		return s.enqueueApprovalWebhooksTx(ctx, tx, item, now)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.KnowledgeItem{}, err
		}
		return model.KnowledgeItem{}, fmt.Errorf("knowledge: approve contribution: %w", err)
	}

	s.index.IndexItem(item.ID, item.Content)
	s.audit(ctx, p.OrgID, p.AgentID, "contribution.approve", contributionID.String(),
		map[string]any{"item_id": item.ID.String()})
	s.logger.Info("contribution approved",
		"org_id", p.OrgID, "contribution_id", contributionID, "item_id", item.ID, "reviewer", p.AgentID)
	return item, nil
}

// RejectContribution closes a pending contribution without promoting it.
func (s *Service) RejectContribution(ctx context.Context, p model.Principal, contributionID uuid.UUID, note *string) (model.PendingContribution, error) {
	if err := s.requireApprover(ctx, p); err != nil {
		return model.PendingContribution{}, err
	}

	var reviewed model.PendingContribution
	err := s.store.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		reviewed, err = s.store.MarkContributionReviewedTx(ctx, tx, p.OrgID, contributionID, model.StatusRejected, p.AgentID, note)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.PendingContribution{}, err
		}
		return model.PendingContribution{}, fmt.Errorf("knowledge: reject contribution: %w", err)
	}

	s.audit(ctx, p.OrgID, p.AgentID, "contribution.reject", contributionID.String(), nil)
	s.logger.Info("contribution rejected by reviewer",
		"org_id", p.OrgID, "contribution_id", contributionID, "reviewer", p.AgentID)
	return reviewed, nil
}

// itemTags strips queue-routing bookkeeping from a contribution's tag bag
// before the content becomes a knowledge item. Conflict flags survive.
func itemTags(t model.Tags) model.Tags {
	t.FlaggedForReview = false
	if t.Extra != nil {
		cleaned := make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			if k == "pre_screened" || k == "preliminary_quality_score" {
				continue
			}
			cleaned[k] = v
		}
		if len(cleaned) == 0 {
			cleaned = nil
		}
		t.Extra = cleaned
	}
	return t
}
