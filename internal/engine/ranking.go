package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"peerflow/internal/domain"
	"peerflow/internal/events"
	"peerflow/internal/template"
)

// rankMembers orders locked-in reviewers by descending points with dense
// ranks: equal points share a rank and the next distinct score gets the next
// rank. Reviewers without granted points rank with zero. Ties within a rank
// are ordered by user id so the result is deterministic.
func rankMembers(members []domain.ReviewerMembership, points map[string]int, rewards []int64) []domain.RankedReviewer {
	var ranked []domain.RankedReviewer
	for _, m := range members {
		if m.Status != domain.MemberLockedIn {
			continue
		}
		ranked = append(ranked, domain.RankedReviewer{UserID: m.UserID, Points: points[m.UserID]})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Points != ranked[j].Points {
			return ranked[i].Points > ranked[j].Points
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	rank := 0
	prev := -1
	for i := range ranked {
		if ranked[i].Points != prev {
			rank++
			prev = ranked[i].Points
		}
		ranked[i].Rank = rank
		if rank <= len(rewards) {
			ranked[i].Reward = rewards[rank-1]
		}
	}
	return ranked
}

// Ranking computes the current standing for an activity from granted points.
// For a paid-out activity the stored final ranks and payout records win over
// a recomputation.
func (e Engine) Ranking(ctx context.Context, activityID string) ([]domain.RankedReviewer, error) {
	a, err := e.Repo.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	t, err := e.Repo.GetTemplate(ctx, a.TemplateID)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	members, err := e.Repo.ListMembershipsTx(ctx, tx, activityID)
	if err != nil {
		return nil, err
	}
	points, err := e.Repo.SumPointsByReviewerTx(ctx, tx, activityID)
	if err != nil {
		return nil, err
	}
	ranked := rankMembers(members, points, t.RankRewards)
	if a.PayoutDone {
		byUser := map[string]*domain.RankedReviewer{}
		for i := range ranked {
			byUser[ranked[i].UserID] = &ranked[i]
		}
		for _, m := range members {
			r, ok := byUser[m.UserID]
			if !ok || m.FinalRank == nil {
				continue
			}
			r.Rank = *m.FinalRank
			r.Paid = r.Reward > 0
		}
	}
	return ranked, nil
}

// distributeAwardsTx pays the escrowed rewards when the activity enters its
// award stage. Reviewers are paid in ascending rank order; a reward the
// escrow can no longer cover is skipped with a warning event rather than
// failing the transition. Whatever remains afterwards is swept to the
// platform account, so the escrow always ends empty and the token total is
// conserved.
func (e Engine) distributeAwardsTx(ctx context.Context, tx *sql.Tx, g *template.Graph, a *domain.Activity, actorID string) error {
	platform := e.platformAccount()
	if platform == "" {
		return domain.Validationf("platform account is not configured")
	}
	members, err := e.Repo.ListMembershipsTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	points, err := e.Repo.SumPointsByReviewerTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	ranked := rankMembers(members, points, g.Template.RankRewards)

	escrow, err := e.Repo.GetAccountTx(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	remaining := escrow.Balance

	for i := range ranked {
		r := &ranked[i]
		if err := e.Repo.SetFinalRankTx(ctx, tx, a.ID, r.UserID, r.Rank); err != nil {
			return err
		}
		if r.Reward == 0 {
			continue
		}
		if r.Reward > remaining {
			if err := e.Events.Append(ctx, tx, "award.payout_skipped", a.ID, "membership", r.UserID, actorID, events.EventPayload{
				"rank":      r.Rank,
				"reward":    r.Reward,
				"remaining": remaining,
			}); err != nil {
				return err
			}
			continue
		}
		if err := e.Repo.EnsureAccountTx(ctx, tx, r.UserID, domain.AccountUser, e.ts()); err != nil {
			return err
		}
		if err := e.Ledger.PayFromEscrowTx(ctx, tx, a.ID, r.UserID, r.Reward, domain.EntryPayout, fmt.Sprintf("rank %d reward", r.Rank)); err != nil {
			return err
		}
		remaining -= r.Reward
		r.Paid = true
		if err := e.Events.Append(ctx, tx, "award.paid", a.ID, "membership", r.UserID, actorID, events.EventPayload{
			"rank":   r.Rank,
			"reward": r.Reward,
		}); err != nil {
			return err
		}
	}

	if remaining > 0 {
		if err := e.Ledger.PayFromEscrowTx(ctx, tx, a.ID, platform, remaining, domain.EntryLeftover, "escrow sweep"); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "escrow.swept", a.ID, "account", platform, actorID, events.EventPayload{
			"amount": remaining,
		}); err != nil {
			return err
		}
	}
	if err := e.Repo.UpdateActivityEscrowTx(ctx, tx, a.ID, 0); err != nil {
		return err
	}
	if err := e.Repo.SetPayoutDoneTx(ctx, tx, a.ID); err != nil {
		return err
	}
	a.EscrowBalance = 0
	a.PayoutDone = true
	return nil
}
