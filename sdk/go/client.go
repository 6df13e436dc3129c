package peerflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Peerflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Activity represents the API activity model (partial).
type Activity struct {
	ID            string      `json:"id"`
	TemplateID    string      `json:"template_id"`
	Kind          string      `json:"kind"`
	PaperRef      string      `json:"paper_ref,omitempty"`
	CreatorID     string      `json:"creator_id"`
	FundingAmount int64       `json:"funding_amount"`
	EscrowBalance int64       `json:"escrow_balance"`
	Status        string      `json:"status"`
	PayoutDone    bool        `json:"payout_done"`
	CreatedAt     string      `json:"created_at"`
	Stage         *StageState `json:"stage,omitempty"`
}

// StageState is the current stage of an activity.
type StageState struct {
	StageKey  string `json:"stage_key"`
	EnteredAt string `json:"entered_at"`
	Deadline  string `json:"deadline,omitempty"`
}

// Membership represents a reviewer team membership.
type Membership struct {
	ActivityID         string `json:"activity_id"`
	UserID             string `json:"user_id"`
	Status             string `json:"status"`
	CommitmentDeadline string `json:"commitment_deadline,omitempty"`
	Finalized          bool   `json:"finalized"`
}

// Action represents a recorded participant action.
type Action struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	StageKey   string `json:"stage_key"`
	TS         string `json:"ts"`
}

// Award represents granted assessment points.
type Award struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Kind       string `json:"kind"`
	Points     int    `json:"points"`
	TS         string `json:"ts"`
}

// RankedReviewer is one row of the activity ranking.
type RankedReviewer struct {
	UserID string `json:"user_id"`
	Points int    `json:"points"`
	Rank   int    `json:"rank"`
	Reward int64  `json:"reward"`
	Paid   bool   `json:"paid"`
}

// Account represents a wallet.
type Account struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Balance int64  `json:"balance"`
}

// LedgerEntry is one row of a wallet's ledger.
type LedgerEntry struct {
	ID         int64  `json:"id"`
	AccountID  string `json:"account_id"`
	ActivityID string `json:"activity_id,omitempty"`
	Amount     int64  `json:"amount"`
	Category   string `json:"category"`
	Note       string `json:"note,omitempty"`
	TS         string `json:"ts"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ActivityID string `json:"activity_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SweepResult reports what a sweep run moved.
type SweepResult struct {
	CommitmentsRemoved []string `json:"commitments_removed"`
	ActivitiesMoved    []string `json:"activities_moved"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateActivityOptions are the optional fields of CreateActivity.
type CreateActivityOptions struct {
	ID            string `json:"id,omitempty"`
	Kind          string `json:"kind,omitempty"`
	PaperRef      string `json:"paper_ref,omitempty"`
	FunderAccount string `json:"funder_account,omitempty"`
}

// CreateActivity creates and funds an activity from a template.
func (c *Client) CreateActivity(ctx context.Context, templateID string, fundingAmount int64, opts *CreateActivityOptions) (Activity, error) {
	body := map[string]any{
		"template_id":    templateID,
		"funding_amount": fundingAmount,
	}
	if opts != nil {
		if opts.ID != "" {
			body["id"] = opts.ID
		}
		if opts.Kind != "" {
			body["kind"] = opts.Kind
		}
		if opts.PaperRef != "" {
			body["paper_ref"] = opts.PaperRef
		}
		if opts.FunderAccount != "" {
			body["funder_account"] = opts.FunderAccount
		}
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, "v0/activities", body, &resp)
	return resp, err
}

// Activity fetches an activity with its current stage.
func (c *Client) Activity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodGet, "v0/activities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// JoinReviewer joins the caller (or userID, when set) to the reviewer team.
func (c *Client) JoinReviewer(ctx context.Context, activityID, userID string) (Membership, error) {
	body := map[string]any{}
	if userID != "" {
		body["user_id"] = userID
	}
	var resp Membership
	endpoint := fmt.Sprintf("v0/activities/%s/reviewers", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// LockInReviewer commits a reviewer for the remainder of the activity.
func (c *Client) LockInReviewer(ctx context.Context, activityID, userID string) (Membership, error) {
	var resp Membership
	endpoint := fmt.Sprintf("v0/activities/%s/reviewers/%s/lock-in",
		url.PathEscape(activityID), url.PathEscape(userID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordAction records a review, response, assessment, or finalize action.
func (c *Client) RecordAction(ctx context.Context, activityID, kind string, payload any) (Action, error) {
	body := map[string]any{"kind": kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Action{}, err
		}
		body["payload_json"] = string(raw)
	}
	var resp Action
	endpoint := fmt.Sprintf("v0/activities/%s/actions", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GrantAward grants assessment points from the caller to another reviewer.
func (c *Client) GrantAward(ctx context.Context, activityID, toUserID string, points int) (Award, error) {
	body := map[string]any{
		"to_user_id": toUserID,
		"points":     points,
	}
	var resp Award
	endpoint := fmt.Sprintf("v0/activities/%s/awards", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Ranking returns the reviewer ranking for an activity.
func (c *Client) Ranking(ctx context.Context, activityID string) ([]RankedReviewer, error) {
	var resp []RankedReviewer
	endpoint := fmt.Sprintf("v0/activities/%s/ranking", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TriggerTransition fires a manual transition out of the current stage and
// returns the stage the activity settled in.
func (c *Client) TriggerTransition(ctx context.Context, activityID, to, reason string) (StageState, error) {
	body := map[string]any{"to": to}
	if reason != "" {
		body["reason"] = reason
	}
	var resp StageState
	endpoint := fmt.Sprintf("v0/activities/%s/transitions/trigger", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Wallet fetches a wallet by id.
func (c *Client) Wallet(ctx context.Context, id string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "v0/wallets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WalletEntries returns the ledger entries of a wallet.
func (c *Client) WalletEntries(ctx context.Context, id string, limit int) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	endpoint := "v0/wallets/" + url.PathEscape(id) + "/entries"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunSweep runs the commitment and deadline sweeps. Requires the admin role.
func (c *Client) RunSweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "v0/sweep", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
