package server

import (
	"peerflow/internal/domain"
)

type CreateActivityRequest struct {
	ID            string `json:"id,omitempty"`
	TemplateID    string `json:"template_id"`
	Kind          string `json:"kind,omitempty"`
	PaperRef      string `json:"paper_ref,omitempty"`
	CreatorID     string `json:"creator_id,omitempty"`
	FunderAccount string `json:"funder_account,omitempty"`
	FundingAmount int64  `json:"funding_amount"`
}

type RecordActionRequest struct {
	UserID      string `json:"user_id,omitempty"`
	Kind        string `json:"kind" enum:"review,response,assessment,finalize"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

type TransitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type JoinReviewerRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type GrantAwardRequest struct {
	FromUserID string `json:"from_user_id,omitempty"`
	ToUserID   string `json:"to_user_id"`
	Kind       string `json:"kind,omitempty"`
	Points     int    `json:"points"`
}

type OpenWalletRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty" enum:"user,platform"`
}

type WalletAmountRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note,omitempty"`
}

type SweepResponse struct {
	CommitmentsRemoved []string `json:"commitments_removed"`
	ActivitiesMoved    []string `json:"activities_moved"`
}

type TemplateResponse struct {
	ID                string              `json:"id"`
	Name              string              `json:"name,omitempty"`
	Version           int                 `json:"version"`
	ReviewerCount     int                 `json:"reviewer_count"`
	TokenPool         int64               `json:"token_pool"`
	InsuranceFraction float64             `json:"insurance_fraction"`
	RankRewards       []int64             `json:"rank_rewards"`
	CreatedAt         string              `json:"created_at"`
	Stages            []domain.Stage      `json:"stages"`
	Transitions       []domain.Transition `json:"transitions"`
}

type ActivityResponse struct {
	ID            string             `json:"id"`
	TemplateID    string             `json:"template_id"`
	Kind          string             `json:"kind"`
	PaperRef      string             `json:"paper_ref,omitempty"`
	CreatorID     string             `json:"creator_id"`
	FundingAmount int64              `json:"funding_amount"`
	EscrowBalance int64              `json:"escrow_balance"`
	Status        string             `json:"status"`
	PayoutDone    bool               `json:"payout_done"`
	CreatedAt     string             `json:"created_at"`
	CompletedAt   *string            `json:"completed_at,omitempty"`
	Stage         *domain.StageState `json:"stage,omitempty"`
}

func templateResponse(t domain.Template) TemplateResponse {
	resp := TemplateResponse{
		ID:                t.ID,
		Name:              t.Name,
		Version:           t.Version,
		ReviewerCount:     t.ReviewerCount,
		TokenPool:         t.TokenPool,
		InsuranceFraction: t.InsuranceFraction,
		RankRewards:       t.RankRewards,
		CreatedAt:         t.CreatedAt,
		Stages:            t.Stages,
		Transitions:       t.Transitions,
	}
	if resp.RankRewards == nil {
		resp.RankRewards = []int64{}
	}
	if resp.Stages == nil {
		resp.Stages = []domain.Stage{}
	}
	if resp.Transitions == nil {
		resp.Transitions = []domain.Transition{}
	}
	return resp
}

func activityResponse(a domain.Activity, state *domain.StageState) ActivityResponse {
	return ActivityResponse{
		ID:            a.ID,
		TemplateID:    a.TemplateID,
		Kind:          a.Kind,
		PaperRef:      a.PaperRef,
		CreatorID:     a.CreatorID,
		FundingAmount: a.FundingAmount,
		EscrowBalance: a.EscrowBalance,
		Status:        a.Status,
		PayoutDone:    a.PayoutDone,
		CreatedAt:     a.CreatedAt,
		CompletedAt:   a.CompletedAt,
		Stage:         state,
	}
}
