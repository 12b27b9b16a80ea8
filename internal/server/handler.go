package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/text/language"

	"github.com/ahmethakanbesel/pricefeed/internal/apperror"
	"github.com/ahmethakanbesel/pricefeed/internal/price"
	"github.com/ahmethakanbesel/pricefeed/internal/refresh"
	"github.com/ahmethakanbesel/pricefeed/internal/scheduler"
	"github.com/ahmethakanbesel/pricefeed/internal/sip"
)

const dateFormat = "2006-01-02"

var languages = language.NewMatcher([]language.Tag{language.English, language.Turkish})

type handler struct {
	deps Deps
	now  func() time.Time
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperror.New(apperror.BadRequest, "invalid JSON body: "+err.Error())
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, apperror.New(apperror.BadRequest, "invalid "+field+", expected a duration such as 30s or 15m")
	}
	return d, nil
}

type startBackgroundRequest struct {
	Interval string `json:"interval"`
}

func (h *handler) startBackground(w http.ResponseWriter, r *http.Request) {
	var req startBackgroundRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	interval, err := parseDuration("interval", req.Interval)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := h.deps.Scheduler.Start(interval); err != nil {
		if errors.Is(err, scheduler.ErrIntervalTooShort) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

func (h *handler) stopBackground(w http.ResponseWriter, _ *http.Request) {
	h.deps.Scheduler.Stop()
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

func (h *handler) backgroundStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

func (h *handler) backgroundHealth(w http.ResponseWriter, r *http.Request) {
	health := h.deps.Scheduler.Health(r.Context())
	status := http.StatusOK
	if health.State == scheduler.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSONMessage(w, status, string(health.State), health)
}

type startRefreshRequest struct {
	Symbols   []string `json:"symbols"`
	BatchSize int      `json:"batchSize"`
	Timeout   string   `json:"timeout"`
}

func (h *handler) startRefresh(w http.ResponseWriter, r *http.Request) {
	var req startRefreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.BatchSize < 0 {
		writeError(w, http.StatusBadRequest, "batchSize must not be negative")
		return
	}
	timeout, err := parseDuration("timeout", req.Timeout)
	if err != nil {
		writeErr(w, err)
		return
	}

	id, err := h.deps.Refresh.StartRefresh(r.Context(), refresh.Request{
		Symbols:   req.Symbols,
		BatchSize: req.BatchSize,
		Timeout:   timeout,
	})
	switch {
	case errors.Is(err, refresh.ErrNoSymbols):
		writeErr(w, apperror.New(apperror.BadRequest, err.Error()))
		return
	case errors.Is(err, refresh.ErrTooManySessions):
		writeErr(w, apperror.New(apperror.TooManyRequests, err.Error()))
		return
	case errors.Is(err, refresh.ErrClosed):
		writeErr(w, apperror.New(apperror.Unavailable, err.Error()))
		return
	case err != nil:
		writeErr(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/refresh/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

type sessionResponse struct {
	refresh.Session
	Outcome refresh.Outcome `json:"outcome"`
	Summary string          `json:"summary"`
}

func (h *handler) getRefresh(w http.ResponseWriter, r *http.Request) {
	s, ok := h.deps.Refresh.GetRefreshStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "refresh session not found")
		return
	}

	tag, _ := language.MatchStrings(languages, r.Header.Get("Accept-Language"))
	resp := sessionResponse{Session: s, Outcome: s.Outcome(), Summary: s.Summary(tag)}

	// Live sessions are still being processed; finished ones report how the
	// refresh went through the status code.
	status := http.StatusAccepted
	if s.Status.Terminal() {
		switch resp.Outcome {
		case refresh.OutcomeSucceeded:
			status = http.StatusOK
		case refresh.OutcomePartial:
			status = http.StatusMultiStatus
		case refresh.OutcomeFailed:
			status = http.StatusBadGateway
		}
	}
	writeJSONMessage(w, status, resp.Summary, resp)
}

func (h *handler) cancelRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.deps.Refresh.GetRefreshStatus(id); !ok {
		writeError(w, http.StatusNotFound, "refresh session not found")
		return
	}
	if !h.deps.Refresh.CancelRefresh(id) {
		writeError(w, http.StatusConflict, "refresh session already finished")
		return
	}
	s, _ := h.deps.Refresh.GetRefreshStatus(id)
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) listRefreshes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Refresh.List())
}

func (h *handler) getPrice(w http.ResponseWriter, r *http.Request) {
	symbol := price.NormalizeSymbol(r.PathValue("symbol"))
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be true or false")
			return
		}
		force = b
	}

	res, err := h.deps.Fetcher.GetPriceWithFallback(r.Context(), symbol, force)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) priceStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Prices.Stats(r.Context(), h.now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) deletePrice(w http.ResponseWriter, r *http.Request) {
	symbol := price.NormalizeSymbol(r.PathValue("symbol"))
	if err := h.deps.Prices.Delete(r.Context(), symbol); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": symbol})
}

func (h *handler) clearPrices(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Prices.Clear(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *handler) processSIPs(w http.ResponseWriter, r *http.Request) {
	var (
		res *sip.BatchResult
		err error
	)
	if v := r.URL.Query().Get("asOf"); v != "" {
		asOf, perr := time.Parse(dateFormat, v)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid asOf format, expected YYYY-MM-DD")
			return
		}
		concurrency, _ := strconv.Atoi(r.URL.Query().Get("concurrency"))
		res, err = h.deps.SIP.ProcessBatch(r.Context(), asOf, concurrency)
	} else {
		res, err = h.deps.SIP.ProcessDueToday(r.Context())
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) retrySIPs(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.SIP.RetryFailedTransactions(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) sipStats(w http.ResponseWriter, r *http.Request) {
	to := h.now()
	from := to.AddDate(0, 0, -30)

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(dateFormat, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from format, expected YYYY-MM-DD")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(dateFormat, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to format, expected YYYY-MM-DD")
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}

	st, err := h.deps.SIP.Stats(r.Context(), from, to)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
