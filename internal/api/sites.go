// internal/api/sites.go
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/auth"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/query"
	"harvestry-telemetry/internal/rules"
)

// --- streams ---

func (h *APIHandler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.Streams.ListBySite(r.Context(), chi.URLParam(r, "siteID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func (h *APIHandler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var p data.StreamParams
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	p.SiteID = chi.URLParam(r, "siteID")
	s, err := h.Streams.Register(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

type streamPatch struct {
	DisplayName *string `json:"display_name"`
	LocationID  *string `json:"location_id"`
	RoomID      *string `json:"room_id"`
	ZoneID      *string `json:"zone_id"`
}

func (h *APIHandler) UpdateStream(w http.ResponseWriter, r *http.Request) {
	var p streamPatch
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "streamID")
	cur, err := h.Streams.Get(r.Context(), site, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cur == nil {
		h.writeError(w, r, apperr.NotFound("stream %s in site %s", id, site))
		return
	}
	if p.DisplayName != nil {
		if cur, err = h.Streams.UpdateDisplayName(r.Context(), site, id, *p.DisplayName); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if p.LocationID != nil || p.RoomID != nil || p.ZoneID != nil {
		loc, room, zone := pick(p.LocationID, cur.LocationID), pick(p.RoomID, cur.RoomID), pick(p.ZoneID, cur.ZoneID)
		if cur, err = h.Streams.UpdateLocation(r.Context(), site, id, loc, room, zone); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, cur)
}

func pick(p *string, fallback string) string {
	if p != nil {
		return *p
	}
	return fallback
}

func (h *APIHandler) SetStreamActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "streamID")
		var (
			s   *data.SensorStream
			err error
		)
		if active {
			s, err = h.Streams.Activate(r.Context(), site, id)
		} else {
			s, err = h.Streams.Deactivate(r.Context(), site, id)
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// --- rules ---

func ruleViews(rs []*rules.AlertRule) []rules.RuleView {
	out := make([]rules.RuleView, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.View())
	}
	return out
}

func (h *APIHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	rs, err := h.Rules.List(r.Context(), chi.URLParam(r, "siteID"), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleViews(rs))
}

func (h *APIHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var p rules.RuleParams
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	p.SiteID = chi.URLParam(r, "siteID")
	rule, err := h.Rules.Create(r.Context(), p, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule.View())
}

func (h *APIHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "ruleID")
	rule, err := h.Rules.Get(r.Context(), site, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rule == nil {
		h.writeError(w, r, apperr.NotFound("rule %s in site %s", id, site))
		return
	}
	writeJSON(w, http.StatusOK, rule.View())
}

func (h *APIHandler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var u rules.RuleUpdate
	if err := decode(r, &u); err != nil {
		h.writeError(w, r, err)
		return
	}
	rule, err := h.Rules.Update(r.Context(), chi.URLParam(r, "siteID"), chi.URLParam(r, "ruleID"), u, actor(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule.View())
}

func (h *APIHandler) SetRuleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "ruleID")
		var (
			rule *rules.AlertRule
			err  error
		)
		if active {
			rule, err = h.Rules.Activate(r.Context(), site, id, actor(r))
		} else {
			rule, err = h.Rules.Deactivate(r.Context(), site, id, actor(r))
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rule.View())
	}
}

// --- alerts ---

func (h *APIHandler) alertViews(as []*alerting.AlertInstance) []alerting.InstanceView {
	now := h.Clock.Now()
	out := make([]alerting.InstanceView, 0, len(as))
	for _, a := range as {
		out = append(out, a.View(now))
	}
	return out
}

// ListAlerts returns active alerts, or with ?rule= every alert of that rule.
func (h *APIHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "siteID")
	var (
		as  []*alerting.AlertInstance
		err error
	)
	if ruleID := r.URL.Query().Get("rule"); ruleID != "" {
		as, err = h.Alerts.ListByRule(r.Context(), site, ruleID)
	} else {
		as, err = h.Alerts.ListActive(r.Context(), site)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.alertViews(as))
}

func (h *APIHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "alertID")
	a, err := h.Alerts.Get(r.Context(), site, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]bool{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, a.View(h.Clock.Now()))
}

type ackRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes"`
}

func (h *APIHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.UserID == "" {
		req.UserID, _ = auth.Username(r.Context())
	}
	a, found, err := h.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "siteID"), chi.URLParam(r, "alertID"), req.UserID, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]bool{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, a.View(h.Clock.Now()))
}

// --- telemetry queries ---

func (h *APIHandler) parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := h.Clock.Now()
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("end: %v", err)
		}
		end = t
	}
	start := end.Add(-time.Hour)
	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("start: %v", err)
		}
		start = t
	}
	return start, end, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

// siteStream resolves the URL's stream and writes 404 when it is not in the site.
func (h *APIHandler) siteStream(w http.ResponseWriter, r *http.Request) (*data.SensorStream, bool) {
	site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "streamID")
	s, err := h.Streams.Get(r.Context(), site, id)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if s == nil {
		h.writeError(w, r, apperr.NotFound("stream %s in site %s", id, site))
		return nil, false
	}
	return s, true
}

func (h *APIHandler) GetReadings(w http.ResponseWriter, r *http.Request) {
	s, ok := h.siteStream(w, r)
	if !ok {
		return
	}
	start, end, err := h.parseRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rs, err := h.Query.RawRange(r.Context(), s.ID, start, end, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *APIHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	s, ok := h.siteStream(w, r)
	if !ok {
		return
	}
	latest, err := h.Query.Latest(r.Context(), s.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if latest == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"found":       true,
		"reading":     latest.Reading,
		"age_seconds": latest.AgeSeconds,
	})
}

func (h *APIHandler) GetRollups(w http.ResponseWriter, r *http.Request) {
	s, ok := h.siteStream(w, r)
	if !ok {
		return
	}
	start, end, err := h.parseRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	interval, err := query.ParseInterval(r.URL.Query().Get("interval"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	buckets, err := h.Query.Rollup(r.Context(), s.ID, start, end, interval)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// --- anomalies ---

func (h *APIHandler) GetStreamAnomalies(w http.ResponseWriter, r *http.Request) {
	var window *time.Duration
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			h.writeError(w, r, apperr.Validation("window: %v", err))
			return
		}
		window = &d
	}
	site, id := chi.URLParam(r, "siteID"), chi.URLParam(r, "streamID")
	a, err := h.Anomalies.AnalyzeStream(r.Context(), site, id, window)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if a == nil {
		h.writeError(w, r, apperr.NotFound("stream %s in site %s", id, site))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *APIHandler) GetSiteAnomalies(w http.ResponseWriter, r *http.Request) {
	top, err := intParam(r, "top")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rep, err := h.Anomalies.AnalyzeSite(r.Context(), chi.URLParam(r, "siteID"), top)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- ingestion bookkeeping ---

func (h *APIHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "siteID")
	sessions := h.Sessions.List(site)
	if stale, _ := strconv.ParseBool(r.URL.Query().Get("stale")); stale {
		sessions = h.Sessions.ListStale(site, 0)
	}
	now := h.Clock.Now()
	out := make([]data.SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.View(now, h.Sessions.StaleAfter()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) ListIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit <= 0 {
		limit = 100
	}
	errs, err := h.Errors.List(r.Context(), chi.URLParam(r, "siteID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}
