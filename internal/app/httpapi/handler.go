// Package httpapi exposes the REST surface for the application: workflow
// registry, event processor and subscription ledger endpoints behind bearer
// auth, per-client throttling and a bounded audit log.
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	app "github.com/eventflow-network/eventflow/internal/app"
	"github.com/eventflow-network/eventflow/internal/app/chain"
	"github.com/eventflow-network/eventflow/internal/app/domain/event"
	"github.com/eventflow-network/eventflow/internal/app/domain/subscription"
	"github.com/eventflow-network/eventflow/internal/app/domain/workflow"
	"github.com/eventflow-network/eventflow/internal/app/storage"
)

// accountHeader carries the caller's account identity, set by the client and
// trusted after bearer auth.
const accountHeader = "X-Account"

// Config tunes the handler middleware.
type Config struct {
	// APITokens are the accepted bearer tokens. Empty disables auth.
	APITokens []string
	// AuditLimit bounds the in-memory audit log.
	AuditLimit int
	// AuditFile appends audit entries as JSONL when set.
	AuditFile string
	// ThrottleRPS and ThrottleBurst bound per-client request rates. Zero
	// disables throttling.
	ThrottleRPS   float64
	ThrottleBurst int
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns the core REST API wrapped with throttle, auth and audit
// middleware.
func NewHandler(application *app.Application, cfg Config) (http.Handler, error) {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/workflows", h.workflows)
	mux.HandleFunc("/workflows/", h.workflowResources)
	mux.HandleFunc("/premium", h.premium)
	mux.HandleFunc("/events", h.events)
	mux.HandleFunc("/events/", h.eventResources)
	mux.HandleFunc("/subscriptions", h.subscriptions)
	mux.HandleFunc("/subscriptions/", h.subscriptionResources)
	mux.HandleFunc("/credits", h.credits)
	mux.HandleFunc("/credits/", h.creditResources)
	mux.HandleFunc("/referrals", h.referrals)
	mux.HandleFunc("/referrals/", h.referralResources)
	mux.HandleFunc("/stats/", h.stats)

	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, err
	}
	audit := newAuditLog(cfg.AuditLimit, sink)
	mux.HandleFunc("/audit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, audit.listLimit(limit))
	})

	var wrapped http.Handler = mux
	wrapped = wrapWithAudit(wrapped, audit, application.Clock.Height)
	wrapped = wrapWithAuth(wrapped, cfg.APITokens)
	if cfg.ThrottleRPS > 0 {
		wrapped = wrapWithThrottle(wrapped, cfg.ThrottleRPS, cfg.ThrottleBurst)
	}
	return wrapped, nil
}

func caller(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(accountHeader))
}

func (h *handler) workflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Config      json.RawMessage `json:"config"`
			IsPublic    bool            `json:"is_public"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := h.app.Registry.Register(r.Context(), caller(r), payload.Name, payload.Description, payload.Config, payload.IsPublic)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})

	case http.MethodGet:
		owner := r.URL.Query().Get("owner")
		if owner == "" {
			owner = caller(r)
		}
		list, err := h.app.Registry.UserWorkflows(r.Context(), owner)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workflowResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/workflows"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("workflow id must be numeric"))
		return
	}

	if len(parts) == 1 {
		h.workflowByID(w, r, id)
		return
	}

	switch parts[1] {
	case "visibility":
		h.workflowVisibility(w, r, id)
	case "transfer":
		h.workflowTransfer(w, r, id)
	case "stats":
		h.workflowStats(w, r, id)
	case "ratelimit":
		h.workflowRateLimit(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) workflowByID(w http.ResponseWriter, r *http.Request, id uint64) {
	switch r.Method {
	case http.MethodGet:
		ok, err := h.app.Registry.CanAccess(r.Context(), id, caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, workflow.ErrUnauthorized)
			return
		}
		wf, err := h.app.Registry.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)

	case http.MethodPatch:
		var payload struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Config      json.RawMessage `json:"config"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Registry.Update(r.Context(), caller(r), id, payload.Name, payload.Description, payload.Config); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		wf, err := h.app.Registry.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)

	case http.MethodDelete:
		if err := h.app.Registry.Delete(r.Context(), caller(r), id); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workflowVisibility(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	isPublic, err := h.app.Registry.ToggleVisibility(r.Context(), caller(r), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.app.CommitBlock()
	writeJSON(w, http.StatusOK, map[string]bool{"is_public": isPublic})
}

func (h *handler) workflowTransfer(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		NewOwner string `json:"new_owner"`
		Price    uint64 `json:"price"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Registry.Transfer(r.Context(), caller(r), id, payload.NewOwner, payload.Price); err != nil {
		writeServiceError(w, err)
		return
	}
	h.app.CommitBlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) workflowStats(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.app.Registry.WorkflowStats(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) workflowRateLimit(w http.ResponseWriter, r *http.Request, id uint64) {
	switch r.Method {
	case http.MethodGet:
		status, err := h.app.Processor.RateLimitStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case http.MethodPut:
		var payload struct {
			Limit   uint64 `json:"limit"`
			Enabled bool   `json:"enabled"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Processor.SetRateLimit(r.Context(), caller(r), id, payload.Limit, payload.Enabled); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) premium(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if err := h.app.Registry.UnlockPremium(r.Context(), caller(r)); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		writeJSON(w, http.StatusOK, map[string]bool{"premium": true})

	case http.MethodGet:
		premium, err := h.app.Registry.IsPremium(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"premium": premium})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		WorkflowID uint64          `json:"workflow_id"`
		Payload    json.RawMessage `json:"payload"`
		TxHash     string          `json:"tx_hash"`
		EventType  string          `json:"event_type"`
		Priority   bool            `json:"priority"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txHash, err := decodeHex(payload.TxHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.app.Processor.Process(r.Context(), caller(r), payload.WorkflowID, payload.Payload, txHash, payload.EventType, payload.Priority)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.app.CommitBlock()
	writeJSON(w, http.StatusCreated, map[string]uint64{"processing_id": id})
}

func (h *handler) eventResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/events"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "batch":
		h.eventBatch(w, r)
	case "retries":
		h.eventRetries(w, r, parts[1:])
	case "actions":
		h.eventActions(w, r, parts[1:])
	default:
		h.eventByHash(w, r, parts[0])
	}
}

func (h *handler) eventByHash(w http.ResponseWriter, r *http.Request, hexHash string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != len(event.Hash{}) {
		writeError(w, http.StatusBadRequest, errors.New("event hash must be 64 hex characters"))
		return
	}
	var hash event.Hash
	copy(hash[:], raw)

	rec, err := h.app.Processor.Event(r.Context(), hash)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventRecordView(rec))
}

func (h *handler) eventBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		WorkflowID uint64 `json:"workflow_id"`
		Items      []struct {
			Payload   json.RawMessage `json:"payload"`
			TxHash    string          `json:"tx_hash"`
			EventType string          `json:"event_type"`
		} `json:"items"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	items := make([]event.BatchItem, 0, len(payload.Items))
	for _, item := range payload.Items {
		txHash, err := decodeHex(item.TxHash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		items = append(items, event.BatchItem{Payload: item.Payload, TxHash: txHash, EventType: item.EventType})
	}

	n, err := h.app.Processor.ProcessBatch(r.Context(), caller(r), payload.WorkflowID, items)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.app.CommitBlock()
	writeJSON(w, http.StatusCreated, map[string]uint64{"processed": n})
}

func (h *handler) eventRetries(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			WorkflowID uint64          `json:"workflow_id"`
			Payload    json.RawMessage `json:"payload"`
			ErrorCode  uint64          `json:"error_code"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := h.app.Processor.QueueRetry(r.Context(), caller(r), payload.WorkflowID, payload.Payload, payload.ErrorCode)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		writeJSON(w, http.StatusCreated, map[string]uint64{"retry_id": id})
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseUint(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("retry id must be numeric"))
		return
	}
	entry, err := h.app.Processor.RetryEntry(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) eventActions(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			WorkflowID   uint64 `json:"workflow_id"`
			ActionType   string `json:"action_type"`
			Target       string `json:"target"`
			FunctionName string `json:"function_name"`
			Amount       uint64 `json:"amount"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var id uint64
		var err error
		switch payload.ActionType {
		case event.ActionContractCall:
			id, err = h.app.Processor.ExecuteContractCall(r.Context(), caller(r), payload.WorkflowID, payload.Target, payload.FunctionName)
		case event.ActionTokenTransfer:
			id, err = h.app.Processor.ExecuteTokenTransfer(r.Context(), caller(r), payload.WorkflowID, payload.Target, payload.Amount)
		case event.ActionWebhook:
			id, err = h.app.Processor.TriggerWebhook(r.Context(), caller(r), payload.WorkflowID, payload.Target)
		default:
			writeError(w, http.StatusBadRequest, errors.New("unsupported action type"))
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		writeJSON(w, http.StatusCreated, map[string]uint64{"execution_id": id})
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseUint(rest[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("action id must be numeric"))
		return
	}
	entry, err := h.app.Processor.ActionEntry(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handler) subscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Tier         string `json:"tier"`
			Months       uint64 `json:"months"`
			ReferralCode string `json:"referral_code"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tier, err := parseTier(payload.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Ledger.Subscribe(r.Context(), caller(r), tier, payload.Months, payload.ReferralCode); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		sub, err := h.app.Ledger.Status(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, subscriptionView(sub))

	case http.MethodGet:
		sub, err := h.app.Ledger.Status(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, subscriptionView(sub))

	case http.MethodDelete:
		refund, err := h.app.Ledger.Cancel(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		writeJSON(w, http.StatusOK, map[string]uint64{"refund": refund})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) subscriptionResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/subscriptions"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "renew":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			AutoRenew bool `json:"auto_renew"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Ledger.Renew(r.Context(), caller(r), payload.AutoRenew); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		w.WriteHeader(http.StatusNoContent)

	case "upgrade":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Tier string `json:"tier"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tier, err := parseTier(payload.Tier)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Ledger.Upgrade(r.Context(), caller(r), tier); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		w.WriteHeader(http.StatusNoContent)

	case "pause":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			UntilBlock uint64 `json:"until_block"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Ledger.Pause(r.Context(), caller(r), payload.UntilBlock); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		w.WriteHeader(http.StatusNoContent)

	case "history":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		seq, err := strconv.ParseUint(r.URL.Query().Get("seq"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("seq query parameter must be numeric"))
			return
		}
		entry, err := h.app.Ledger.History(r.Context(), caller(r), seq)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, historyView(entry))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) credits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	bal, err := h.app.Ledger.CreditBalance(r.Context(), caller(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *handler) creditResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/credits"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "purchase":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			PackageID uint64 `json:"package_id"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		credits, err := h.app.Ledger.PurchaseCredits(r.Context(), caller(r), payload.PackageID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		writeJSON(w, http.StatusCreated, map[string]uint64{"credits": credits})

	case "transfer":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			To     string `json:"to"`
			Amount uint64 `json:"amount"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := h.app.Ledger.TransferCredits(r.Context(), caller(r), payload.To, payload.Amount); err != nil {
			writeServiceError(w, err)
			return
		}
		h.app.CommitBlock()
		w.WriteHeader(http.StatusNoContent)

	case "usage":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		usage, err := h.app.Ledger.UsageStats(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		estimate, err := h.app.Ledger.EstimateMonthlyCost(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{
			"events_used":            usage.EventsUsed,
			"credits_consumed":       usage.CreditsConsumed,
			"estimated_monthly_cost": estimate,
		})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) referrals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Code == "" {
		writeError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	if err := h.app.Ledger.GenerateReferralCode(r.Context(), caller(r), payload.Code); err != nil {
		writeServiceError(w, err)
		return
	}
	h.app.CommitBlock()
	writeJSON(w, http.StatusCreated, map[string]string{"code": payload.Code})
}

func (h *handler) referralResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/referrals"), "/")
	if trimmed == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if trimmed == "earnings" {
		earned, err := h.app.Ledger.ReferralEarnings(r.Context(), caller(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"earnings": earned})
		return
	}

	info, err := h.app.Ledger.ReferralInfo(r.Context(), trimmed)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/stats"), "/")
	parts := strings.Split(trimmed, "/")

	switch parts[0] {
	case "platform":
		stats, err := h.app.Registry.PlatformStats(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case "events":
		if len(parts) == 1 {
			stats, err := h.app.Processor.GlobalStats(r.Context())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
			return
		}
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("workflow id must be numeric"))
			return
		}
		stats, err := h.app.Processor.ProcessingStats(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	case "revenue":
		stats, err := h.app.Ledger.RevenueStats(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Views ----------------------------------------------------------------------

func eventRecordView(rec event.Record) map[string]any {
	return map[string]any{
		"hash":         hex.EncodeToString(rec.Hash[:]),
		"workflow_id":  rec.WorkflowID,
		"processed_at": rec.ProcessedAt,
		"tx_hash":      hex.EncodeToString(rec.TxHash),
		"event_type":   rec.EventType,
		"success":      rec.Success,
	}
}

func subscriptionView(sub subscription.Subscription) map[string]any {
	return map[string]any{
		"user":         sub.User,
		"tier":         sub.Tier.String(),
		"is_active":    sub.IsActive,
		"start_block":  sub.StartBlock,
		"end_block":    sub.EndBlock,
		"auto_renew":   sub.AutoRenew,
		"paused_until": sub.PausedUntil,
		"amount_paid":  sub.AmountPaid,
	}
}

func historyView(entry subscription.HistoryEntry) map[string]any {
	return map[string]any{
		"seq":         entry.Seq,
		"tier":        entry.Tier.String(),
		"status":      entry.Status,
		"recorded_at": entry.RecordedAt,
	}
}

// Helpers --------------------------------------------------------------------

func parseTier(raw string) (subscription.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "free":
		return subscription.TierFree, nil
	case "pro":
		return subscription.TierPro, nil
	case "enterprise":
		return subscription.TierEnterprise, nil
	}
	return 0, errors.New("unknown tier")
}

func decodeHex(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, errors.New("tx_hash must be hex encoded")
	}
	return b, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, subscription.ErrNotSubscribed):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, event.ErrDuplicateEvent),
		errors.Is(err, subscription.ErrAlreadySubscribed),
		errors.Is(err, subscription.ErrCodeExists):
		status = http.StatusConflict
	case errors.Is(err, event.ErrRateLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, chain.ErrInsufficientFunds),
		errors.Is(err, subscription.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	}
	writeError(w, status, err)
}
