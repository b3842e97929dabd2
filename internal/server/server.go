package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"leoline/internal/domain"
	"leoline/internal/engine"
	"leoline/internal/engine/handoff"
	"leoline/internal/repo"
)

type progressReport = engine.ProgressReport

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"integrity_violation"`
	Message string         `json:"message" example:"cannot set status=completed; derived progress is 85"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"derived_progress\":85}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the LEO protocol API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine config not loaded")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures are the caller's malformed input, not gate failures
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("LEO Protocol API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSDs(group, cfg.Engine)
	registerProgress(group, cfg.Engine)
	registerHandoffs(group, cfg.Engine)
	registerVerification(group, cfg.Engine)
	registerEvidence(group, cfg.Engine)
	registerOverrides(group, cfg.Engine)
	registerHierarchy(group, cfg.Engine)
	registerLeases(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"missing_fields":     nonNilSlice(ve.MissingFields),
			"placeholder_fields": nonNilSlice(ve.PlaceholderFields),
		})
	}
	var iv *engine.IntegrityViolation
	if errors.As(err, &iv) {
		return newAPIError(http.StatusConflict, "integrity_violation", err.Error(), map[string]any{
			"attempted":        iv.Attempted,
			"derived_progress": iv.DerivedProgress,
			"blocking_reasons": iv.BlockingReasons,
		})
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		details := map[string]any{"reason": te.Reason}
		if te.From != "" || te.To != "" {
			details["from_phase"] = te.From
			details["to_phase"] = te.To
			details["current_phase"] = te.Current
		}
		return newAPIError(http.StatusConflict, "transition_conflict", err.Error(), details)
	}
	var lc *engine.LeaseConflictError
	if errors.As(err, &lc) {
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), map[string]any{
			"owner_id":   lc.OwnerID,
			"expires_at": lc.ExpiresAt,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>LEO Protocol API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type sdPath struct {
	SDID string `path:"sd_id"`
}

type sdBody struct {
	Body domain.StrategicDirective `json:"body"`
}

func registerSDs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-sd",
		Method:        http.MethodPost,
		Path:          "/sds",
		Summary:       "Create strategic directive",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateSDRequest `json:"body"`
	}) (*sdBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		sd, err := e.CreateSD(ctx, engine.SDCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Type:        input.Body.Type,
			ParentID:    stringOrEmpty(input.Body.ParentID),
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sdBody{Body: sd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sds",
		Method:      http.MethodGet,
		Path:        "/sds",
		Summary:     "List strategic directives",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"draft,active,in_progress,pending_approval,completed,cancelled"`
		ParentID string `query:"parent_id"`
		RootOnly bool   `query:"root_only"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.StrategicDirective `json:"body"`
	}, error) {
		items, err := e.ListSDs(ctx, repo.SDFilters{
			Status:   input.Status,
			ParentID: input.ParentID,
			RootOnly: input.RootOnly,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StrategicDirective `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sd",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}",
		Summary:     "Get strategic directive",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*sdBody, error) {
		sd, err := e.GetSD(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sdBody{Body: sd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-sd-parent",
		Method:      http.MethodPatch,
		Path:        "/sds/{sd_id}/parent",
		Summary:     "Attach or detach an SD from its orchestrator",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string           `path:"sd_id"`
		Body SetParentRequest `json:"body"`
	}) (*sdBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sd, err := e.SetParent(ctx, input.SDID, stringOrEmpty(input.Body.ParentID), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sdBody{Body: sd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "write-sd-status",
		Method:      http.MethodPatch,
		Path:        "/sds/{sd_id}/status",
		Summary:     "Write status or progress; rejected unless evidence supports it",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string             `path:"sd_id"`
		Body WriteStatusRequest `json:"body"`
	}) (*sdBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" && input.Body.Progress == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status or progress is required", nil)
		}
		sd, err := e.WriteState(ctx, engine.StateWrite{
			SDID:     input.SDID,
			Status:   input.Body.Status,
			Progress: input.Body.Progress,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sdBody{Body: sd}, nil
	})
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/progress",
		Summary:     "Evidence-derived progress with phase breakdown and blocking reasons",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		rep, err := e.Progress(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-sd",
		Method:      http.MethodPost,
		Path:        "/sds/{sd_id}/recompute",
		Summary:     "Rebuild cached progress for an SD and its ancestors",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.Recompute(ctx, input.SDID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(rep)}, nil
	})
}

type handoffBody struct {
	Body domain.PhaseHandoff `json:"body"`
}

func registerHandoffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-handoff",
		Method:        http.MethodPost,
		Path:          "/sds/{sd_id}/handoffs",
		Summary:       "Submit a phase hand-off",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string         `path:"sd_id"`
		Body HandoffRequest `json:"body"`
	}) (*handoffBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		accept := input.Body.Accept == nil || *input.Body.Accept
		h, err := e.SubmitHandoff(ctx, engine.HandoffSubmitOptions{
			SDID:    input.SDID,
			From:    input.Body.FromPhase,
			To:      input.Body.ToPhase,
			Payload: input.Body.Payload,
			ActorID: actorID,
			Accept:  accept,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &handoffBody{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-handoffs",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/handoffs",
		Summary:     "List hand-offs for an SD",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body []domain.PhaseHandoff `json:"body"`
	}, error) {
		items, err := e.ListHandoffs(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PhaseHandoff `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{handoff_id}/accept",
		Summary:     "Accept a pending hand-off",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		HandoffID string `path:"handoff_id"`
	}) (*handoffBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.AcceptHandoff(ctx, input.HandoffID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &handoffBody{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/{handoff_id}/reject",
		Summary:     "Reject a pending hand-off",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		HandoffID string               `path:"handoff_id"`
		Body      RejectHandoffRequest `json:"body"`
	}) (*handoffBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.RejectHandoff(ctx, input.HandoffID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &handoffBody{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-handoff",
		Method:      http.MethodPost,
		Path:        "/handoffs/validate",
		Summary:     "Dry-run hand-off payload validation",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body ValidateHandoffRequest `json:"body"`
	}) (*struct {
		Body HandoffValidationResponse `json:"body"`
	}, error) {
		res := handoff.RulesFromConfig(e.Config).ValidateJSON(string(input.Body.Payload))
		return &struct {
			Body HandoffValidationResponse `json:"body"`
		}{Body: HandoffValidationResponse{
			Valid:             res.Valid,
			MissingFields:     nonNilSlice(res.MissingFields),
			PlaceholderFields: nonNilSlice(res.PlaceholderFields),
		}}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-verification",
		Method:        http.MethodPost,
		Path:          "/sds/{sd_id}/verification-results",
		Summary:       "Append a verification agent result",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string              `path:"sd_id"`
		Body VerificationRequest `json:"body"`
	}) (*struct {
		Body domain.VerificationResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordVerification(ctx, engine.VerificationOptions{
			SDID:       input.SDID,
			AgentCode:  input.Body.AgentCode,
			Verdict:    input.Body.Verdict,
			Confidence: input.Body.Confidence,
			Findings:   input.Body.Findings,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerificationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-verification-results",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/verification-results",
		Summary:     "List verification results",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body []domain.VerificationResult `json:"body"`
	}, error) {
		items, err := e.ListVerificationResults(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.VerificationResult `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gate-verdict",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/gate-verdict",
		Summary:     "Aggregate verdict over the latest result per agent",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body domain.GateVerdict `json:"body"`
	}, error) {
		gv, err := e.GateVerdict(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateVerdict `json:"body"`
		}{Body: gv}, nil
	})
}

func registerEvidence(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-sub-item",
		Method:        http.MethodPost,
		Path:          "/sds/{sd_id}/sub-items",
		Summary:       "Add a user story or deliverable",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string         `path:"sd_id"`
		Body SubItemRequest `json:"body"`
	}) (*struct {
		Body domain.SubItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.AddSubItem(ctx, engine.SubItemOptions{
			SDID:      input.SDID,
			Kind:      input.Body.Kind,
			Title:     input.Body.Title,
			Mandatory: input.Body.Mandatory,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SubItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sub-items",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/sub-items",
		Summary:     "List user stories and deliverables",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body []domain.SubItem `json:"body"`
	}, error) {
		items, err := e.ListSubItems(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SubItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-sub-item",
		Method:      http.MethodPatch,
		Path:        "/sub-items/{item_id}",
		Summary:     "Update sub-item flags",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string               `path:"item_id"`
		Body   UpdateSubItemRequest `json:"body"`
	}) (*struct {
		Body domain.SubItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.UpdateSubItem(ctx, engine.SubItemUpdate{
			ID:        input.ItemID,
			Mandatory: input.Body.Mandatory,
			Validated: input.Body.Validated,
			Completed: input.Body.Completed,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SubItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-artifact",
		Method:      http.MethodPost,
		Path:        "/sds/{sd_id}/artifacts",
		Summary:     "Record the prd or retrospective artifact",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string          `path:"sd_id"`
		Body ArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordArtifact(ctx, input.SDID, input.Body.Kind, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/artifacts",
		Summary:     "List artifacts",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body []domain.Artifact `json:"body"`
	}, error) {
		items, err := e.ListArtifacts(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Artifact `json:"body"`
		}{Body: items}, nil
	})
}

func registerOverrides(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-override",
		Method:      http.MethodPost,
		Path:        "/sds/{sd_id}/override",
		Summary:     "Administrative override of status/progress (audited)",
		Errors:      append([]int{http.StatusForbidden}, writeErrors...),
	}, func(ctx context.Context, input *struct {
		SDID string          `path:"sd_id"`
		Body OverrideRequest `json:"body"`
	}) (*struct {
		Body OverrideResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		allowed := e.Config.Overrides.AllowedRoles
		if !principal.HasAnyRole(allowed) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "override requires one of roles: "+strings.Join(allowed, ", "), map[string]any{"roles": allowed})
		}
		sd, rec, err := e.Override(ctx, engine.OverrideRequest{
			SDID:      input.SDID,
			NewStatus: input.Body.Status,
			Progress:  input.Body.Progress,
			ClearPin:  input.Body.ClearPin,
			ActorID:   principal.ActorID,
			Reason:    input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverrideResponse `json:"body"`
		}{Body: OverrideResponse{SD: sd, Override: rec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-overrides",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/overrides",
		Summary:     "List override audit records",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body []domain.Override `json:"body"`
	}, error) {
		items, err := e.ListOverrides(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Override `json:"body"`
		}{Body: items}, nil
	})
}

func registerHierarchy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "hierarchy-status",
		Method:      http.MethodGet,
		Path:        "/sds/{sd_id}/hierarchy",
		Summary:     "Tree of status and progress rooted at an SD",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *sdPath) (*struct {
		Body domain.HierarchyNode `json:"body"`
	}, error) {
		nodes, err := e.HierarchyStatus(ctx, input.SDID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HierarchyNode `json:"body"`
		}{Body: nodes[0]}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hierarchy-forest",
		Method:      http.MethodGet,
		Path:        "/hierarchy",
		Summary:     "Every root SD with its subtree",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.HierarchyNode `json:"body"`
	}, error) {
		nodes, err := e.HierarchyStatus(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HierarchyNode `json:"body"`
		}{Body: nodes}, nil
	})
}

func registerLeases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-lease",
		Method:      http.MethodPost,
		Path:        "/sds/{sd_id}/lease",
		Summary:     "Claim or renew the SD lease",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		SDID string        `path:"sd_id"`
		Body *LeaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.Lease `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		seconds := 0
		if input.Body != nil {
			seconds = input.Body.Seconds
		}
		l, err := e.ClaimLease(ctx, input.SDID, actorID, seconds)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lease `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "release-lease",
		Method:        http.MethodDelete,
		Path:          "/sds/{sd_id}/lease",
		Summary:       "Release the SD lease",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *sdPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseLease(ctx, input.SDID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		SDID   string `query:"sd_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.History(ctx, repo.EventFilters{SDID: input.SDID, Type: input.Type, BeforeID: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowActorHeader {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
