package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"livingrosary.org/internal/audit"
	"livingrosary.org/internal/auth"
	"livingrosary.org/internal/mystery"
	"livingrosary.org/internal/obs"
	"livingrosary.org/internal/rotation"
)

type rotationAccepted struct {
	Status  string `json:"status"`
	Scope   string `json:"scope"`
	GroupID string `json:"group_id,omitempty"`
}

type confirmRequest struct {
	MysteryID string `json:"mystery_id"`
}

type membershipMystery struct {
	MembershipID string           `json:"membership_id"`
	GroupID      string           `json:"group_id"`
	MysteryID    string           `json:"mystery_id,omitempty"`
	Mystery      *mystery.Mystery `json:"mystery,omitempty"`
	Confirmed    bool             `json:"confirmed"`
	ConfirmedAt  *time.Time       `json:"confirmed_at,omitempty"`
}

type historyItem struct {
	rotation.HistoryEntry
	Mystery *mystery.Mystery `json:"mystery,omitempty"`
}

func (a *API) listMysteries(w http.ResponseWriter, r *http.Request) {
	items := a.catalog.All()
	if name := strings.TrimSpace(r.URL.Query().Get("set")); name != "" {
		set, err := mystery.ParseSet(name)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		items = a.catalog.BySet(set)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getMystery(w http.ResponseWriter, r *http.Request) {
	m, ok := a.catalog.Lookup(chi.URLParam(r, "mysteryID"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "mystery not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) scheduleStatus(w http.ResponseWriter, r *http.Request) {
	if a.scheduler == nil {
		writeError(w, r, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	writeJSON(w, http.StatusOK, a.scheduler.Status())
}

func (a *API) rotateAll(w http.ResponseWriter, r *http.Request) {
	if a.rotator == nil || a.dispatcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rotation is not configured")
		return
	}
	job := a.observed(a.rotator.RotateAll)
	if a.scheduler != nil {
		job = func(ctx context.Context) (rotation.Result, error) {
			return a.scheduler.RunManual(ctx, "admin", a.rotator.RotateAll)
		}
	}
	if err := a.dispatch(r.Context(), "all", job); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "rotation.requested", map[string]any{"scope": "all"})
	writeJSON(w, http.StatusAccepted, rotationAccepted{Status: "accepted", Scope: "all"})
}

func (a *API) rotateGroup(w http.ResponseWriter, r *http.Request) {
	if a.rotator == nil || a.dispatcher == nil || a.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rotation is not configured")
		return
	}
	groupID := chi.URLParam(r, "groupID")
	ok, err := a.store.GroupExists(r.Context(), groupID)
	if err != nil {
		a.handleRotationError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "group not found")
		return
	}

	job := a.observed(func(ctx context.Context) (rotation.Result, error) {
		return a.rotator.RotateGroup(ctx, groupID)
	})
	if err := a.dispatch(r.Context(), "group:"+groupID, job); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "rotation.requested", map[string]any{
		"scope":    "group",
		"group_id": groupID,
	})
	writeJSON(w, http.StatusAccepted, rotationAccepted{Status: "accepted", Scope: "group", GroupID: groupID})
}

// dispatch hands job to the background dispatcher; the response never waits
// for the batch.
func (a *API) dispatch(ctx context.Context, name string, job rotation.Job) error {
	return a.dispatcher.Submit(ctx, name, job, nil)
}

// observed counts the outcome of a run that does not go through the trigger.
func (a *API) observed(job rotation.Job) rotation.Job {
	return func(ctx context.Context) (rotation.Result, error) {
		res, err := job(ctx)
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		obs.ObserveRun("admin", outcome, a.now())
		return res, err
	}
}

func (a *API) currentMystery(w http.ResponseWriter, r *http.Request) {
	m, ok := a.loadOwnMembership(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.membershipView(m))
}

func (a *API) membershipHistory(w http.ResponseWriter, r *http.Request) {
	m, ok := a.loadOwnMembership(w, r)
	if !ok {
		return
	}
	entries, err := a.store.History(r.Context(), m.ID)
	if err != nil {
		a.handleRotationError(w, r, err)
		return
	}
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		item := historyItem{HistoryEntry: e}
		if found, ok := a.catalog.Lookup(e.MysteryID); ok {
			item.Mystery = &found
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"membership_id": m.ID,
		"items":         items,
	})
}

func (a *API) confirmMystery(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store is not configured")
		return
	}
	var req confirmRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	membershipID := chi.URLParam(r, "membershipID")

	if req.MysteryID != "" {
		current, err := a.store.GetMembership(r.Context(), membershipID)
		if err != nil {
			a.handleRotationError(w, r, err)
			return
		}
		if current.UserID == userID && current.CurrentMysteryID != req.MysteryID {
			writeError(w, r, http.StatusConflict, "assignment has changed")
			return
		}
	}

	m, err := rotation.Confirm(r.Context(), a.store, membershipID, userID, a.now().UTC())
	if err != nil {
		a.handleRotationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "mystery.confirmed", map[string]any{
		"membership_id": m.ID,
		"mystery_id":    m.CurrentMysteryID,
	})
	writeJSON(w, http.StatusOK, a.membershipView(m))
}

// loadOwnMembership fetches the path membership, allowing its owner and admins.
func (a *API) loadOwnMembership(w http.ResponseWriter, r *http.Request) (rotation.Membership, bool) {
	if a.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "store is not configured")
		return rotation.Membership{}, false
	}
	m, err := a.store.GetMembership(r.Context(), chi.URLParam(r, "membershipID"))
	if err != nil {
		a.handleRotationError(w, r, err)
		return rotation.Membership{}, false
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if m.UserID != userID && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		a.handleRotationError(w, r, rotation.ErrForbidden)
		return rotation.Membership{}, false
	}
	return m, true
}

func (a *API) membershipView(m rotation.Membership) membershipMystery {
	out := membershipMystery{
		MembershipID: m.ID,
		GroupID:      m.GroupID,
		Confirmed:    m.Confirmed(),
		ConfirmedAt:  m.MysteryConfirmedAt,
		MysteryID:    m.CurrentMysteryID,
	}
	if found, ok := a.catalog.Lookup(m.CurrentMysteryID); ok {
		out.Mystery = &found
	}
	return out
}

func (a *API) handleRotationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rotation.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rotation.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, rotation.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, rotation.ErrConflict),
		errors.Is(err, rotation.ErrGroupFull),
		errors.Is(err, rotation.ErrNoAssignment):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		a.log.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
