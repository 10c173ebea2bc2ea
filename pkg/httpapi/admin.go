package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/tokenreg/quorum/pkg/hierarchy"
	"github.com/tokenreg/quorum/pkg/registry"
	"github.com/tokenreg/quorum/pkg/rules"
)

// ValidatorAdmin is the administrative surface of the validator registry.
// It is satisfied by registry.Store and registry.CachedStore; the cached
// variant invalidates itself on every write.
type ValidatorAdmin interface {
	List(ctx context.Context) ([]registry.Validator, error)
	Get(ctx context.Context, id string) (*registry.Validator, error)
	Upsert(ctx context.Context, v *registry.Validator) error
	Deactivate(ctx context.Context, id string) error
}

// Retirer answers whether an entity can be retired. Satisfied by
// cascade.Governor.
type Retirer interface {
	CanRetire(ctx context.Context, entityID string) (bool, []string, error)
}

// ruleView is the API shape of a resolved rule. Timeouts are reported in
// hours to match the rule file.
type ruleView struct {
	ChangeType              string `json:"changeType"`
	Tier                    string `json:"tier"`
	RequiredRole            string `json:"requiredRole"`
	Approvers               int    `json:"approvers"`
	TimeoutHours            int    `json:"timeoutHours"`
	CascadeOnRejection      bool   `json:"cascadeOnRejection"`
	BlockOnActiveDependents bool   `json:"blockOnActiveDependents"`
}

// listRulesHandler returns a handler that lists the resolved rule set.
// GET /api/quorum/v1/rules
func listRulesHandler(resolver *rules.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := resolver.All()
		views := make([]ruleView, len(all))
		for i, rule := range all {
			views[i] = ruleView{
				ChangeType:              rule.ChangeType,
				Tier:                    string(rule.Tier),
				RequiredRole:            string(rule.RequiredRole),
				Approvers:               rule.Approvers,
				TimeoutHours:            int(rule.Timeout / time.Hour),
				CascadeOnRejection:      rule.CascadeOnRejection,
				BlockOnActiveDependents: rule.BlockOnActiveDependents,
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"rules":    views,
			"loadedAt": resolver.LoadedAt().Format(time.RFC3339),
		})
	}
}

// reloadRulesHandler returns a handler that re-reads the rule file. An
// invalid file leaves the current snapshot in place and reports why.
// POST /api/quorum/v1/rules/reload
func reloadRulesHandler(resolver *rules.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := resolver.Reload(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("reload rejected: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":    len(resolver.All()),
			"loadedAt": resolver.LoadedAt().Format(time.RFC3339),
		})
	}
}

// listValidatorsHandler returns a handler that lists the full roster,
// active and inactive.
// GET /api/quorum/v1/validators
func listValidatorsHandler(admin ValidatorAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		validators, err := admin.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list validators: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"validators": validators,
			"totalSize":  len(validators),
		})
	}
}

// putValidatorHandler returns a handler that creates or replaces a
// validator. Active defaults to true when omitted.
// PUT /api/quorum/v1/validators/{id}
func putValidatorHandler(admin ValidatorAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body struct {
			DisplayName   string `json:"displayName"`
			Role          string `json:"role"`
			AuthorityTier string `json:"authorityTier"`
			Active        *bool  `json:"active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		role := rules.Role(body.Role)
		if role != rules.RoleValidator && role != rules.RoleAdmin {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown role %q (expected VALIDATOR or ADMIN)", body.Role))
			return
		}
		tier := rules.Tier(body.AuthorityTier)
		if tier.Rank() == 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown authority tier %q (expected STANDARD, ELEVATED, or CRITICAL)", body.AuthorityTier))
			return
		}
		active := true
		if body.Active != nil {
			active = *body.Active
		}

		v := &registry.Validator{
			ID:            id,
			DisplayName:   body.DisplayName,
			Role:          role,
			AuthorityTier: tier,
			Active:        active,
		}
		if err := admin.Upsert(r.Context(), v); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to upsert validator: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, v)
	}
}

// deactivateValidatorHandler returns a handler that removes a validator
// from future boards. Votes already in the ledger stand.
// POST /api/quorum/v1/validators/{id}/deactivate
func deactivateValidatorHandler(admin ValidatorAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := admin.Deactivate(r.Context(), id); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeError(w, http.StatusNotFound, "validator not found")
				return
			}
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to deactivate validator: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":     id,
			"active": false,
		})
	}
}

// canRetireHandler returns a handler that runs the retirement pre-check.
// GET /api/quorum/v1/entities/{id}/can-retire
func canRetireHandler(retirer Retirer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		allowed, blocking, err := retirer.CanRetire(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to check dependents: %v", err))
			return
		}
		if blocking == nil {
			blocking = []string{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"entityId":    id,
			"allowed":     allowed,
			"blockingIds": blocking,
		})
	}
}

// dependentsHandler returns a handler that serves the dependents query in
// the same shape the HTTP hierarchy client consumes, so a development
// instance backed by the local token table can act as its own registry.
// GET /api/quorum/v1/entities/{id}/dependents
func dependentsHandler(tokens hierarchy.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		deps, err := tokens.ListDependents(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list dependents: %v", err))
			return
		}
		if deps == nil {
			deps = []string{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"entityId":   id,
			"dependents": deps,
		})
	}
}
