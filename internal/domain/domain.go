package domain

// StageType describes the behavioral role of a stage within a template.
type StageType string

const (
	StageEnrollment StageType = "enrollment"
	StageReview     StageType = "review"
	StageResponse   StageType = "response"
	StageAssessment StageType = "assessment"
	StageAward      StageType = "award"
	StageGeneric    StageType = "generic"
)

// MemberStatus is the lifecycle state of a reviewer membership.
type MemberStatus string

const (
	MemberJoined   MemberStatus = "joined"
	MemberLockedIn MemberStatus = "locked_in"
	MemberRemoved  MemberStatus = "removed"
)

// AccountKind distinguishes user wallets, the platform reserve, and
// per-activity escrow sub-accounts.
type AccountKind string

const (
	AccountUser     AccountKind = "user"
	AccountPlatform AccountKind = "platform"
	AccountEscrow   AccountKind = "escrow"
)

// EntryCategory is the business reason recorded on a ledger entry.
type EntryCategory string

const (
	EntryCredit     EntryCategory = "credit"
	EntryFee        EntryCategory = "fee"
	EntryFeeIn      EntryCategory = "fee_in"
	EntryFundEscrow EntryCategory = "fund_escrow"
	EntryEscrowIn   EntryCategory = "escrow_in"
	EntryEscrowOut  EntryCategory = "escrow_out"
	EntryPayout     EntryCategory = "payout"
	EntryLeftover   EntryCategory = "leftover"
)

const (
	ActivityActive    = "active"
	ActivityCompleted = "completed"
)

// DefaultActivityKind is used when a template or activity does not declare one.
const DefaultActivityKind = "standard"

type Template struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Version           int          `json:"version"`
	ReviewerCount     int          `json:"reviewer_count"`
	TokenPool         int64        `json:"token_pool"`
	InsuranceFraction float64      `json:"insurance_fraction"`
	RankRewards       []int64      `json:"rank_rewards"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	Stages            []Stage      `json:"stages,omitempty"`
	Transitions       []Transition `json:"transitions,omitempty"`
}

type Stage struct {
	TemplateID   string    `json:"template_id"`
	Key          string    `json:"key"`
	ActivityKind string    `json:"activity_kind"`
	Type         StageType `json:"type"`
	DeadlineDays *int      `json:"deadline_days,omitempty"`
	IsInitial    bool      `json:"is_initial"`
	IsTerminal   bool      `json:"is_terminal"`
}

type Transition struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	FromKey    string `json:"from_key"`
	ToKey      string `json:"to_key"`
	Automatic  bool   `json:"is_automatic"`
	Order      int    `json:"transition_order"`
	Condition  Expr   `json:"condition"`
}

type Activity struct {
	ID            string  `json:"id"`
	TemplateID    string  `json:"template_id"`
	Kind          string  `json:"kind"`
	PaperRef      string  `json:"paper_ref"`
	CreatorID     string  `json:"creator_id"`
	FundingAmount int64   `json:"funding_amount"`
	EscrowBalance int64   `json:"escrow_balance"`
	Status        string  `json:"status" enum:"active,completed"`
	PayoutDone    bool    `json:"payout_done"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// StageState is the single runtime stage record for an activity. It is
// replaced wholesale on each transition; history lives in the state log.
type StageState struct {
	ActivityID string  `json:"activity_id"`
	StageKey   string  `json:"stage_key"`
	EnteredAt  string  `json:"entered_at" format:"date-time"`
	Deadline   *string `json:"deadline,omitempty" format:"date-time"`
	DataJSON   *string `json:"data_json,omitempty"`
	Completed  bool    `json:"completed"`
}

type StateLogEntry struct {
	ID         int64  `json:"id"`
	ActivityID string `json:"activity_id"`
	FromStage  string `json:"from_stage"`
	ToStage    string `json:"to_stage"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason"`
	TS         string `json:"ts" format:"date-time"`
}

// WalletAccount carries a cached balance; the ledger entries remain the
// source of truth and the cache is updated in the same transaction as the
// entry that changes it.
type WalletAccount struct {
	ID         string      `json:"id"`
	Kind       AccountKind `json:"kind" enum:"user,platform,escrow"`
	ActivityID *string     `json:"activity_id,omitempty"`
	Balance    int64       `json:"balance"`
	CreatedAt  string      `json:"created_at" format:"date-time"`
}

type LedgerEntry struct {
	ID         int64         `json:"id"`
	AccountID  string        `json:"account_id"`
	Amount     int64         `json:"amount"`
	Category   EntryCategory `json:"category"`
	ActivityID *string       `json:"activity_id,omitempty"`
	Note       string        `json:"note,omitempty"`
	TS         string        `json:"ts" format:"date-time"`
}

type ReviewerMembership struct {
	ActivityID         string       `json:"activity_id"`
	UserID             string       `json:"user_id"`
	Status             MemberStatus `json:"status" enum:"joined,locked_in,removed"`
	JoinedAt           string       `json:"joined_at" format:"date-time"`
	CommitmentDeadline *string      `json:"commitment_deadline,omitempty" format:"date-time"`
	LockedInAt         *string      `json:"locked_in_at,omitempty" format:"date-time"`
	RemovedReason      *string      `json:"removed_reason,omitempty"`
	Finalized          bool         `json:"finalized"`
	FinalRank          *int         `json:"final_rank,omitempty"`
}

type AwardRecord struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	Kind       string `json:"kind"`
	Points     int    `json:"points"`
	TS         string `json:"ts" format:"date-time"`
}

// ParticipantAction is a persisted domain payload (review, author response,
// assessment edit, finalization signal) recorded against a stage.
type ParticipantAction struct {
	ID          string `json:"id"`
	ActivityID  string `json:"activity_id"`
	UserID      string `json:"user_id"`
	Kind        string `json:"kind" enum:"review,response,assessment,finalize"`
	StageKey    string `json:"stage_key"`
	PayloadJSON string `json:"payload_json,omitempty"`
	TS          string `json:"ts" format:"date-time"`
}

const (
	ActionReview     = "review"
	ActionResponse   = "response"
	ActionAssessment = "assessment"
	ActionFinalize   = "finalize"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ActivityID string `json:"activity_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Roles     string `json:"roles,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RankedReviewer is one ranking result row: dense rank by descending points.
type RankedReviewer struct {
	UserID string `json:"user_id"`
	Points int    `json:"points"`
	Rank   int    `json:"rank"`
	Reward int64  `json:"reward"`
	Paid   bool   `json:"paid"`
}
