package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"peerflow/internal/domain"
	"peerflow/internal/engine"
	"peerflow/internal/repo"
	"peerflow/internal/template"
)

func registerTemplates(api huma.API, e engine.Engine, store template.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Register template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body template.Definition `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, "admin"); err != nil {
			return nil, err
		}
		t, err := store.Register(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := []TemplateResponse{}
		for _, t := range items {
			out = append(out, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/activities",
		Summary:       "Create activity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		creator := input.Body.CreatorID
		if creator == "" {
			creator = actorID
		}
		a, err := e.CreateActivity(ctx, engine.ActivityCreateOptions{
			ID:            input.Body.ID,
			TemplateID:    input.Body.TemplateID,
			Kind:          input.Body.Kind,
			PaperRef:      input.Body.PaperRef,
			CreatorID:     creator,
			FunderAccount: input.Body.FunderAccount,
			FundingAmount: input.Body.FundingAmount,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		state, err := e.Repo.GetStageState(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a, &state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List activities",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		TemplateID string `query:"template_id"`
		CreatorID  string `query:"creator_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivities(ctx, repo.ActivityFilters{
			Status:     input.Status,
			TemplateID: input.TemplateID,
			CreatorID:  input.CreatorID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := []ActivityResponse{}
		for _, a := range items {
			out = append(out, activityResponse(a, nil))
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{id}",
		Summary:     "Get activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		a, state, err := e.GetActivity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a, &state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-log",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/log",
		Summary:     "Stage transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.StateLogEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetActivity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListStateLog(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StateLogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-action",
		Method:      http.MethodPost,
		Path:        "/activities/{id}/actions",
		Summary:     "Record participant action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body RecordActionRequest `json:"body"`
	}) (*struct {
		Body domain.ParticipantAction `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actorID
		}
		act, err := e.RecordAction(ctx, engine.ActionOptions{
			ActivityID:  input.ID,
			UserID:      userID,
			Kind:        input.Body.Kind,
			PayloadJSON: input.Body.PayloadJSON,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ParticipantAction `json:"body"`
		}{Body: act}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-transition",
		Method:      http.MethodPost,
		Path:        "/activities/{id}/transitions/trigger",
		Summary:     "Trigger a manual transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.StageState `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		state, err := e.TriggerTransition(ctx, input.ID, input.Body.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-transition",
		Method:      http.MethodPost,
		Path:        "/activities/{id}/transitions/force",
		Summary:     "Force a stage jump",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.StageState `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, "admin"); err != nil {
			return nil, err
		}
		state, err := e.ForceTransition(ctx, input.ID, input.Body.To, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activity-ranking",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/ranking",
		Summary:     "Reviewer ranking",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.RankedReviewer `json:"body"`
	}, error) {
		ranked, err := e.Ranking(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ranked == nil {
			ranked = []domain.RankedReviewer{}
		}
		return &struct {
			Body []domain.RankedReviewer `json:"body"`
		}{Body: ranked}, nil
	})
}

func registerReviewers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "join-reviewer",
		Method:        http.MethodPost,
		Path:          "/activities/{id}/reviewers",
		Summary:       "Join reviewer team",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body JoinReviewerRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewerMembership `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actorID
		}
		m, err := e.JoinReviewer(ctx, input.ID, userID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewerMembership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviewers",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/reviewers",
		Summary:     "List reviewer memberships",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.ReviewerMembership `json:"body"`
	}, error) {
		if _, err := e.Repo.GetActivity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListMemberships(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if members == nil {
			members = []domain.ReviewerMembership{}
		}
		return &struct {
			Body []domain.ReviewerMembership `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lock-in-reviewer",
		Method:      http.MethodPost,
		Path:        "/activities/{id}/reviewers/{user_id}/lock-in",
		Summary:     "Lock in a reviewer",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"user_id"`
	}) (*struct {
		Body domain.ReviewerMembership `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.LockInReviewer(ctx, input.ID, input.UserID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewerMembership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-reviewer",
		Method:      http.MethodDelete,
		Path:        "/activities/{id}/reviewers/{user_id}",
		Summary:     "Remove a reviewer",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `path:"user_id"`
		Reason string `query:"reason"`
	}) (*struct {
		Body domain.ReviewerMembership `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RemoveReviewer(ctx, input.ID, input.UserID, input.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewerMembership `json:"body"`
		}{Body: m}, nil
	})
}

func registerAwards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-award",
		Method:        http.MethodPost,
		Path:          "/activities/{id}/awards",
		Summary:       "Grant assessment points",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body GrantAwardRequest `json:"body"`
	}) (*struct {
		Body domain.AwardRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		from := input.Body.FromUserID
		if from == "" {
			from = actorID
		}
		award, err := e.GrantAward(ctx, input.ID, from, input.Body.ToUserID, input.Body.Kind, input.Body.Points, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AwardRecord `json:"body"`
		}{Body: award}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-awards",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/awards",
		Summary:     "List granted points",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.AwardRecord `json:"body"`
	}, error) {
		if _, err := e.Repo.GetActivity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		awards, err := e.Repo.ListAwards(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if awards == nil {
			awards = []domain.AwardRecord{}
		}
		return &struct {
			Body []domain.AwardRecord `json:"body"`
		}{Body: awards}, nil
	})
}

func registerWallets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-wallet",
		Method:        http.MethodPost,
		Path:          "/wallets",
		Summary:       "Open a wallet",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body OpenWalletRequest `json:"body"`
	}) (*struct {
		Body domain.WalletAccount `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		kind := domain.AccountKind(input.Body.Kind)
		if kind == "" {
			kind = domain.AccountUser
		}
		a, err := e.Ledger.OpenAccount(ctx, input.Body.ID, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WalletAccount `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallets/{id}",
		Summary:     "Get wallet",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WalletAccount `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WalletAccount `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-wallet",
		Method:      http.MethodPost,
		Path:        "/wallets/{id}/credit",
		Summary:     "Credit a wallet",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body WalletAmountRequest `json:"body"`
	}) (*struct {
		Body domain.WalletAccount `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, "admin"); err != nil {
			return nil, err
		}
		a, err := e.Ledger.Credit(ctx, input.ID, input.Body.Amount, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WalletAccount `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deduct-wallet",
		Method:      http.MethodPost,
		Path:        "/wallets/{id}/deduct",
		Summary:     "Charge a fee to the platform account",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body WalletAmountRequest `json:"body"`
	}) (*struct {
		Body domain.WalletAccount `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, "admin"); err != nil {
			return nil, err
		}
		if err := e.Ledger.ChargeFee(ctx, input.ID, e.Config.Platform.AccountID, input.Body.Amount, input.Body.Note, actorID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WalletAccount `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wallet-entries",
		Method:      http.MethodGet,
		Path:        "/wallets/{id}/entries",
		Summary:     "List ledger entries",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.LedgerEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAccount(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListLedgerEntries(ctx, repo.LedgerFilters{AccountID: input.ID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.LedgerEntry{}
		}
		return &struct {
			Body []domain.LedgerEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		ActivityID string `query:"activity_id"`
		Type       string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.ActivityID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerSweep(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run deadline and commitment sweeps",
		Errors: []int{
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, "admin"); err != nil {
			return nil, err
		}
		removed, err := e.SweepCommitments(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		moved, err := e.SweepDeadlines(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SweepResponse{CommitmentsRemoved: removed, ActivitiesMoved: moved}
		if resp.CommitmentsRemoved == nil {
			resp.CommitmentsRemoved = []string{}
		}
		if resp.ActivitiesMoved == nil {
			resp.ActivitiesMoved = []string{}
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: resp}, nil
	})
}
