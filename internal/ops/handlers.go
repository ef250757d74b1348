package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"medbot/internal/domain"
	"medbot/internal/jobs"
	"medbot/internal/records"
	"medbot/internal/storage"
	"medbot/internal/task/engine"
	logx "medbot/pkg/logx"

	"github.com/gorilla/mux"
)

// Deps are the read and write sides the handlers reach into. Nil members
// turn their endpoints into 503s.
type Deps struct {
	Jobs       interface{ Snapshot() []jobs.Info }
	Engine     interface{ Snapshot() engine.Snapshot }
	History    interface{ History() []domain.Delivery }
	DeliveryDB interface {
		ListDeliveries(ctx context.Context, limit int) ([]domain.Delivery, error)
	}
	Records *records.Service
	Recover func(ctx context.Context) ([]jobs.RecoveryReport, error)
	Ready   func() bool
	Log     logx.Logger
}

type handlers struct{ Deps }

// Single-record reads carry the record's live job keys.
type (
	reminderView struct {
		domain.MedicationReminder
		Jobs []string `json:"jobs"`
	}
	appointmentView struct {
		domain.MedicalAppointment
		Jobs []string `json:"jobs"`
	}
)

// NewRouter builds the ops routes.
func NewRouter(d Deps) *mux.Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{d}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/jobs", h.jobs).Methods(http.MethodGet)
	r.HandleFunc("/engine", h.engine).Methods(http.MethodGet)
	r.HandleFunc("/deliveries", h.deliveries).Methods(http.MethodGet)
	r.HandleFunc("/recover", h.recover).Methods(http.MethodPost)

	r.HandleFunc("/reminders", h.createReminder).Methods(http.MethodPost)
	r.HandleFunc("/reminders/{id:[0-9]+}", h.getReminder).Methods(http.MethodGet)
	r.HandleFunc("/reminders/{id:[0-9]+}", h.updateReminder).Methods(http.MethodPut)
	r.HandleFunc("/reminders/{id:[0-9]+}", h.deleteReminder).Methods(http.MethodDelete)

	r.HandleFunc("/appointments", h.createAppointment).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{id:[0-9]+}", h.getAppointment).Methods(http.MethodGet)
	r.HandleFunc("/appointments/{id:[0-9]+}", h.updateAppointment).Methods(http.MethodPut)
	r.HandleFunc("/appointments/{id:[0-9]+}", h.deleteAppointment).Methods(http.MethodDelete)

	dbg := r.PathPrefix("/debug/pprof").Subrouter()
	dbg.HandleFunc("/cmdline", hpprof.Cmdline)
	dbg.HandleFunc("/profile", hpprof.Profile)
	dbg.HandleFunc("/symbol", hpprof.Symbol)
	dbg.HandleFunc("/trace", hpprof.Trace)
	dbg.PathPrefix("/").HandlerFunc(hpprof.Index)
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	case records.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, jobs.ErrRegistrationFailed):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		h.Log.Warn("ops request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " not available"})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	ready := h.Ready == nil || h.Ready()
	body := map[string]any{"ok": ready, "time": time.Now().UTC()}
	if h.Jobs != nil {
		body["jobs"] = len(h.Jobs.Snapshot())
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (h *handlers) jobs(w http.ResponseWriter, _ *http.Request) {
	if h.Jobs == nil {
		unavailable(w, "job registry")
		return
	}
	writeJSON(w, http.StatusOK, h.Jobs.Snapshot())
}

func (h *handlers) engine(w http.ResponseWriter, _ *http.Request) {
	if h.Engine == nil {
		unavailable(w, "task engine")
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.Snapshot())
}

// deliveries serves the in-memory history, or the persisted log with ?source=db.
func (h *handlers) deliveries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if r.URL.Query().Get("source") == "db" {
		if h.DeliveryDB == nil {
			unavailable(w, "delivery log")
			return
		}
		list, err := h.DeliveryDB.ListDeliveries(r.Context(), limit)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}
	if h.History == nil {
		unavailable(w, "dispatcher")
		return
	}
	list := h.History.History()
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) recover(w http.ResponseWriter, r *http.Request) {
	if h.Recover == nil {
		unavailable(w, "recovery")
		return
	}
	reps, err := h.Recover(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reps)
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(records.ErrInvalid, err)
	}
	return nil
}

func (h *handlers) createReminder(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	var in domain.MedicationReminder
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.ID = 0
	out, err := h.Records.CreateReminder(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handlers) getReminder(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	out, err := h.Records.GetReminder(r.Context(), pathID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reminderView{
		MedicationReminder: out,
		Jobs:               h.Records.Scheduled(jobs.KindReminder, out.ID),
	})
}

func (h *handlers) updateReminder(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	var in domain.MedicationReminder
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.ID = pathID(r)
	out, err := h.Records.UpdateReminder(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) deleteReminder(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	if err := h.Records.DeleteReminder(r.Context(), pathID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	var in domain.MedicalAppointment
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.ID = 0
	out, err := h.Records.CreateAppointment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	out, err := h.Records.GetAppointment(r.Context(), pathID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentView{
		MedicalAppointment: out,
		Jobs:               h.Records.Scheduled(jobs.KindAppointment, out.ID),
	})
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	var in domain.MedicalAppointment
	if err := decode(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.ID = pathID(r)
	out, err := h.Records.UpdateAppointment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	if h.Records == nil {
		unavailable(w, "records")
		return
	}
	if err := h.Records.DeleteAppointment(r.Context(), pathID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
