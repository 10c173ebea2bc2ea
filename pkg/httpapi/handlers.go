package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokenreg/quorum/pkg/quorum"
	"github.com/tokenreg/quorum/pkg/timeline"
	"github.com/tokenreg/quorum/pkg/workflow"
)

// submitHandler returns a handler that opens a change request.
// POST /api/quorum/v1/requests
func submitHandler(engine *workflow.Engine, actor ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChangeType string         `json:"changeType"`
			EntityID   string         `json:"entityId"`
			Payload    map[string]any `json:"payload"`
			Reason     string         `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		req, err := engine.Submit(r.Context(), workflow.SubmitInput{
			ChangeType: body.ChangeType,
			EntityID:   body.EntityID,
			Payload:    body.Payload,
			Submitter:  actor(r),
			Reason:     body.Reason,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"requestId":         req.ID,
			"status":            string(req.Status),
			"requiredApprovers": []string(req.RequiredApprovers),
			"deadline":          req.Deadline.Format(time.RFC3339),
		})
	}
}

// voteHandler returns a handler that records a ballot. The voter is the
// authenticated actor; there is no voting on someone else's behalf.
// POST /api/quorum/v1/requests/{id}/votes
func voteHandler(engine *workflow.Engine, actor ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		result, err := engine.CastVote(r.Context(), id, actor(r), quorum.Decision(body.Decision), body.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"requestId":        result.Request.ID,
			"status":           string(result.Request.Status),
			"consensusReached": result.ConsensusReached,
			"votesReceived":    result.Outcome.Ballots(),
			"votesRequired":    result.Outcome.Required,
		})
	}
}

// requestDetail is the full read model for one request.
type requestDetail struct {
	Request  *workflow.ChangeRequest `json:"request"`
	Votes    []workflow.Vote         `json:"votes"`
	Tally    tally                   `json:"tally"`
	Timeline []timeline.Event        `json:"timeline"`
}

type tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
	Required   int `json:"required"`
	BoardSize  int `json:"boardSize"`
}

// getRequestHandler returns a handler that reads one request with its
// votes, current tally, and the most recent timeline page.
// GET /api/quorum/v1/requests/{id}
func getRequestHandler(engine *workflow.Engine, events *timeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		detail, err := engine.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		history, _, _, err := events.ListByRequest(r.Context(), id, 20, "")
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load timeline: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, requestDetail{
			Request: detail.Request,
			Votes:   detail.Votes,
			Tally: tally{
				Approvals:  detail.Outcome.Approvals,
				Rejections: detail.Outcome.Rejections,
				Required:   detail.Outcome.Required,
				BoardSize:  detail.Outcome.BoardSize,
			},
			Timeline: history,
		})
	}
}

// listRequestsHandler returns a handler that lists requests with optional
// filtering. Status defaults to PENDING.
// GET /api/quorum/v1/requests?status=&changeType=&entityId=&submitter=&tier=&pageSize=&pageToken=
func listRequestsHandler(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := workflow.Filter{
			Status:     workflow.Status(r.URL.Query().Get("status")),
			ChangeType: r.URL.Query().Get("changeType"),
			EntityID:   r.URL.Query().Get("entityId"),
			Submitter:  r.URL.Query().Get("submitter"),
			Tier:       r.URL.Query().Get("tier"),
		}

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		requests, nextToken, total, err := engine.List(r.Context(), f, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list requests: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"requests":      requests,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// executeHandler returns a handler that marks an approved request as
// applied. Repeating the call returns the prior result.
// POST /api/quorum/v1/requests/{id}/execute
func executeHandler(engine *workflow.Engine, actor ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		req, err := engine.Execute(r.Context(), id, actor(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"requestId":  req.ID,
			"status":     string(req.Status),
			"executedBy": req.ExecutedBy,
			"executedAt": req.ExecutedAt.Format(time.RFC3339),
		})
	}
}

// cancelHandler returns a handler that withdraws a pending request on
// behalf of its submitter.
// POST /api/quorum/v1/requests/{id}/cancel
func cancelHandler(engine *workflow.Engine, actor ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		req, err := engine.Cancel(r.Context(), id, actor(r), body.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"requestId": req.ID,
			"status":    string(req.Status),
		})
	}
}

// timelineHandler returns a handler that pages through a request's
// timeline oldest first.
// GET /api/quorum/v1/requests/{id}/timeline?pageSize=&pageToken=
func timelineHandler(events *timeline.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		history, nextToken, total, err := events.ListByRequest(r.Context(), id, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to list timeline: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"events":        history,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}
