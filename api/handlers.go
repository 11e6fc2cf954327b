/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes programs, customers, balances and the order triggers over REST.
  Handlers parse and shape-check the request, call one service method and
  serialize the result. No business rule lives here.

ENDPOINTS:
  Programs:
    GET    /api/programs                  List programs of the tenant
    POST   /api/programs                  Create a program
    GET    /api/programs/active?type=     Live program of a type
    GET    /api/programs/{id}             Get a program
    PUT    /api/programs/{id}             Update a program

  Customers:
    GET    /api/customers/{id}                         Get customer
    PUT    /api/customers/{id}                         Upsert CRM fields
    POST   /api/customers/{id}/enrollment              Enroll (idempotent)
    DELETE /api/customers/{id}/enrollment              Unenroll
    GET    /api/customers/{id}/programs/{pid}/balance  Balance (?as_of=)
    GET    /api/customers/{id}/programs/{pid}/entries  History (?limit=)

  Ledger:
    POST   /api/adjustments               Manual credit/debit
    POST   /api/entries/{id}/reversal     Reverse an entry

  Orders:
    POST   /api/orders/evaluate           What an order earns, no writes
    POST   /api/orders/award              Post the earn of an order
    POST   /api/orders/redeem             Redeem against an order

RESPONSES:
  {"success": true, "data": ...} or {"success": false, "error": "..."}

ERROR HANDLING (writeDomainError):
  - 400: malformed body, validation errors (message verbatim)
  - 404: customer/program/entry not found, or owned by another tenant
  - 409: already applied (duplicate key, already reversed)
  - 422: business rule rejections (insufficient balance, not enrolled,
         nothing redeemable, program validation)
  - 500: everything else, with a generic message; detail is only logged

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/membership"
	"github.com/warp/loyalty-engine/program"
	"github.com/warp/loyalty-engine/reqctx"
	"github.com/warp/loyalty-engine/rewards"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// BalanceCache is the read side of cache.BalanceCache.
type BalanceCache interface {
	Get(ctx context.Context, key ledger.AccountKey) (cache.Snapshot, bool, error)
	Version(ctx context.Context, key ledger.AccountKey) (int64, error)
	Put(ctx context.Context, s cache.Snapshot) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Programs *program.Service
	Members  *membership.Service
	Rewards  *rewards.Service

	// Cache is optional; nil serves every balance from the ledger.
	Cache BalanceCache
	DB    Pinger
	Clock ledger.Clock

	validate *validator.Validate
}

func NewHandler(programs *program.Service, members *membership.Service, rw *rewards.Service, db Pinger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Programs: programs, Members: members, Rewards: rw, DB: db, Clock: ledger.SystemClock{}, validate: v}
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.DB != nil {
		if err := h.DB.Ping(ctx); err != nil {
			log.WithError(err).Error("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, Response{Error: "database unavailable"})
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PROGRAM HANDLERS
// =============================================================================

// ListPrograms returns every program of the tenant.
func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	programs, err := h.Programs.List(r.Context(), rc)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if programs == nil {
		programs = []program.Program{}
	}
	writeOK(w, http.StatusOK, programs)
}

func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	h.saveProgram(w, r, 0, http.StatusCreated)
}

func (h *Handler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.saveProgram(w, r, ledger.ProgramID(id), http.StatusOK)
}

func (h *Handler) saveProgram(w http.ResponseWriter, r *http.Request, id ledger.ProgramID, status int) {
	var req SaveProgramRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.Programs.Save(r.Context(), requestContext(r), req.toInput(id))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, status, p)
}

func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Programs.Get(r.Context(), requestContext(r), ledger.ProgramID(id))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}

// ActiveProgram returns the live program of ?type= at ?at= (default now).
func (h *Handler) ActiveProgram(w http.ResponseWriter, r *http.Request) {
	at, ok := queryTime(w, r, "at")
	if !ok {
		return
	}
	t := ledger.ProgramType(r.URL.Query().Get("type"))
	p, err := h.Programs.Active(r.Context(), requestContext(r), t, at)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, p)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Members.Get(r.Context(), requestContext(r), ledger.CustomerID(id))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, c)
}

// SaveCustomer upserts the CRM fields. Enrollment is not touched.
func (h *Handler) SaveCustomer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req SaveCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Members.Save(r.Context(), requestContext(r), membership.Customer{
		ID:               ledger.CustomerID(id),
		Name:             req.Name,
		DiscountSchemeID: req.DiscountSchemeID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, c)
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	no, err := h.Members.Enroll(r.Context(), requestContext(r), ledger.CustomerID(id))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, EnrollmentDTO{CustomerID: id, Enrolled: true, MemberNo: no})
}

func (h *Handler) Unenroll(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rc := requestContext(r)
	if err := h.Members.Unenroll(r.Context(), rc, ledger.CustomerID(id)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	c, err := h.Members.Get(r.Context(), rc, ledger.CustomerID(id))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, EnrollmentDTO{CustomerID: id, Enrolled: false, MemberNo: c.RewardsMemberNo})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// accountKey reads {id}, {programID} and ?type= into an account key.
func accountKey(w http.ResponseWriter, r *http.Request) (ledger.AccountKey, bool) {
	customerID, ok := pathID(w, r, "id")
	if !ok {
		return ledger.AccountKey{}, false
	}
	programID, ok := pathID(w, r, "programID")
	if !ok {
		return ledger.AccountKey{}, false
	}
	return ledger.AccountKey{
		TenantID:    requestContext(r).TenantID,
		ProgramType: ledger.ProgramType(r.URL.Query().Get("type")),
		ProgramID:   ledger.ProgramID(programID),
		CustomerID:  ledger.CustomerID(customerID),
	}, true
}

// GetBalance returns the balance and redeemable view of one account.
// Current balances are served from the cache when one is configured and the
// snapshot has no lot expired since it was taken; ?as_of= always replays the
// ledger.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	key, ok := accountKey(w, r)
	if !ok {
		return
	}
	asOf, ok := queryTime(w, r, "as_of")
	if !ok {
		return
	}
	ctx := r.Context()
	rc := requestContext(r)
	if h.Cache == nil || !asOf.IsZero() {
		h.replayBalance(w, r, key, asOf)
		return
	}

	if key.ProgramType == "" {
		prog, err := h.Programs.Get(ctx, rc, key.ProgramID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		key = prog.AccountKey(key.CustomerID)
	}
	now := h.Clock.Now()
	logger := log.WithField("account", key.String())

	snap, hit, err := h.Cache.Get(ctx, key)
	switch {
	case err != nil:
		logger.WithError(err).Warn("balance cache read failed")
	case hit && snap.FreshAt(now):
		writeOK(w, http.StatusOK, snapshotDTO(snap))
		return
	}

	// The version is read before the ledger so a post landing in between
	// makes the Put below a no-op.
	version, verr := h.Cache.Version(ctx, key)
	if verr != nil {
		logger.WithError(verr).Warn("balance cache version read failed")
	}
	sum, err := h.Rewards.Balance(ctx, rc, key, asOf)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if verr == nil {
		fresh := cache.SnapshotOf(sum, now)
		fresh.Version = version
		err := h.Cache.Put(ctx, fresh)
		if err != nil && !errors.Is(err, cache.ErrStaleSnapshot) {
			logger.WithError(err).Warn("balance cache write failed")
		}
	}
	writeOK(w, http.StatusOK, toSummaryDTO(sum))
}

func (h *Handler) replayBalance(w http.ResponseWriter, r *http.Request, key ledger.AccountKey, asOf time.Time) {
	sum, err := h.Rewards.Balance(r.Context(), requestContext(r), key, asOf)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, toSummaryDTO(sum))
}

func snapshotDTO(s cache.Snapshot) BalanceDTO {
	return BalanceDTO{
		ProgramType: string(s.Key.ProgramType),
		ProgramID:   int64(s.Key.ProgramID),
		CustomerID:  int64(s.Key.CustomerID),
		Balance:     s.Current.String(),
		Earned:      s.Earned.String(),
		Redeemed:    s.Redeemed.String(),
		Credited:    s.Credited.String(),
		Debited:     s.Debited.String(),
		Redeemable:  s.Redeemable.String(),
		Expired:     s.Expired.String(),
		NextExpiry:  s.NextExpiry,
		Entries:     s.Entries,
		Cached:      true,
	}
}

// GetEntries returns the most recent entries of one account, newest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	key, ok := accountKey(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.Rewards.History(r.Context(), requestContext(r), key, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// CreateAdjustment posts a manual credit or debit.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	bal, err := h.Rewards.Adjust(r.Context(), requestContext(r), rewards.AdjustInput{
		CustomerID:  ledger.CustomerID(req.CustomerID),
		ProgramType: ledger.ProgramType(req.ProgramType),
		ProgramID:   ledger.ProgramID(req.ProgramID),
		Direction:   ledger.Direction(req.Direction),
		Amount:      req.Amount,
		Reason:      req.Reason,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, toBalanceDTO(bal))
}

func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ReversalRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, bal, err := h.Rewards.Reverse(r.Context(), requestContext(r), ledger.EntryID(id), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, ReversalDTO{Entry: toEntryDTO(entry), Balance: toBalanceDTO(bal)})
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

func (h *Handler) EvaluateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Rewards.Evaluate(r.Context(), requestContext(r), req.toInput())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, toOutcomeDTO(out))
}

func (h *Handler) AwardOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Rewards.AwardOrder(r.Context(), requestContext(r), req.toInput())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, toOutcomeDTO(out))
}

func (h *Handler) RedeemOrder(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Rewards.Redeem(r.Context(), requestContext(r), rewards.RedeemInput{
		CustomerID:  ledger.CustomerID(req.CustomerID),
		ProgramType: ledger.ProgramType(req.ProgramType),
		ProgramID:   ledger.ProgramID(req.ProgramID),
		OrderID:     req.OrderID,
		Visit:       req.Visit,
		Amount:      req.Amount,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, toOutcomeDTO(out))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Response{Error: message})
}

// writeDomainError maps service errors to HTTP statuses. Only client errors
// are shown verbatim.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr program.ValidationErrors
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, Response{Error: err.Error(), Fields: verr})
	case ledger.IsValidation(err), rewards.IsValidationError(err), errors.Is(err, reqctx.ErrMissingTenant):
		writeError(w, http.StatusBadRequest, err.Error())
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, rewards.ErrAlreadyReversed),
		errors.Is(err, rewards.ErrReversalNotReversible):
		writeError(w, http.StatusConflict, err.Error())
	case rewards.IsStateError(err), ledger.IsClientError(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Warn("request aborted")
		writeError(w, http.StatusServiceUnavailable, "request timed out")
	default:
		log.WithError(err).WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into dst and runs the struct tag validation.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			fields := make(map[string]string, len(ves))
			for _, fe := range ves {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, Response{Error: "Invalid request", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// queryTime parses an RFC 3339 instant or a YYYY-MM-DD date (end of that
// day, UTC). Missing means zero.
func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if d, err := time.Parse("2006-01-02", raw); err == nil {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), true
	}
	writeError(w, http.StatusBadRequest, name+" must be RFC 3339 or YYYY-MM-DD")
	return time.Time{}, false
}
