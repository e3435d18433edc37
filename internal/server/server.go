// Package server exposes the HTTP and WebSocket surface party dashboards and
// the back office talk to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/gamerboy74/agrisync/errs"
	"github.com/gamerboy74/agrisync/internal/domain/orderstore"
	"github.com/gamerboy74/agrisync/internal/fanout"
	"github.com/gamerboy74/agrisync/internal/observability"
	"github.com/gamerboy74/agrisync/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/v1/orders"
	orderDetailPrefix = ordersPath + "/"
	reviewPath        = "/v1/review"
	streamPath        = "/v1/stream"
	healthPath        = "/healthz"

	// Session identity propagated by the edge proxy after authentication.
	viewerHeader = "X-Agrisync-Party"
	roleHeader   = "X-Agrisync-Role"

	roleAdmin = "admin"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Overrider applies a manual status override after re-verifying the
// authoritative source.
type Overrider interface {
	ApplyOverride(ctx context.Context, orderID string, target schema.Status, traceID string) (schema.Order, error)
}

type httpServer struct {
	orders    orderstore.Store
	overrider Overrider
	bus       *fanout.Bus
}

// NewHandler creates the HTTP handler for order queries, admin overrides,
// and the live change stream.
func NewHandler(orders orderstore.Store, overrider Overrider, bus *fanout.Bus) http.Handler {
	server := &httpServer{orders: orders, overrider: overrider, bus: bus}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))
	mux.Handle(reviewPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listReview,
	}))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.handleStream,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFrom(r)
	if viewer == "" {
		writeErr(w, errs.New("server/orders", errs.CodePermission, errs.WithMessage("viewer identity required")))
		return
	}

	query := orderstore.OrderQuery{PartyID: viewer}
	params := r.URL.Query()
	if tab := strings.TrimSpace(params.Get("tab")); tab != "" {
		switch orderstore.LifecycleTab(tab) {
		case orderstore.TabCreated, orderstore.TabAccepted, orderstore.TabDelivered:
			query.Tab = orderstore.LifecycleTab(tab)
		default:
			writeErr(w, errs.New("server/orders", errs.CodeInvalid, errs.WithMessage("unknown tab "+tab)))
			return
		}
	}
	if raw := strings.TrimSpace(params.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := schema.ParseStatus(part)
			if err != nil {
				writeErr(w, err)
				return
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(params.Get("limit")); raw != "" {
		limit, err := parsePositiveInt(raw)
		if err != nil {
			writeErr(w, errs.New("server/orders", errs.CodeInvalid, errs.WithMessage("invalid limit "+raw)))
			return
		}
		query.Limit = limit
	}

	orders, err := s.orders.ListOrders(r.Context(), query)
	if err != nil {
		writeErr(w, err)
		return
	}
	if orders == nil {
		orders = []schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeErr(w, errs.New("server/orders", errs.CodeNotFound, errs.WithMessage("order id required")))
		return
	}

	id, action, hasAction := strings.Cut(rest, "/")
	id = strings.TrimSpace(id)
	if id == "" {
		writeErr(w, errs.New("server/orders", errs.CodeNotFound, errs.WithMessage("order id required")))
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getOrder(w, r, id)
		return
	}

	switch strings.TrimSpace(action) {
	case "status":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.overrideStatus(w, r, id)
	default:
		writeErr(w, errs.New("server/orders", errs.CodeNotFound, errs.WithMessage("unsupported action")))
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	order, err := s.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !isAdmin(r) && !order.HasParty(viewerFrom(r)) {
		writeErr(w, errs.New("server/orders", errs.CodePermission,
			errs.WithMessage("viewer is not a party to this order"), errs.WithOrderID(id)))
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type overridePayload struct {
	TargetStatus string `json:"targetStatus"`
	TraceID      string `json:"traceId,omitempty"`
}

func (s *httpServer) overrideStatus(w http.ResponseWriter, r *http.Request, id string) {
	if !isAdmin(r) {
		writeErr(w, errs.New("server/override", errs.CodePermission,
			errs.WithMessage("status overrides require the admin role"), errs.WithOrderID(id)))
		return
	}
	if s.overrider == nil {
		writeErr(w, errs.New("server/override", errs.CodeUnavailable,
			errs.WithMessage("reconciler unavailable")))
		return
	}
	limitRequestBody(w, r)
	defer func() {
		_ = r.Body.Close()
	}()
	var payload overridePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	target, err := schema.ParseStatus(payload.TargetStatus)
	if err != nil {
		writeErr(w, err)
		return
	}

	order, err := s.overrider.ApplyOverride(r.Context(), id, target, strings.TrimSpace(payload.TraceID))
	if err != nil {
		writeErr(w, err)
		return
	}
	observability.Log().Info("status override accepted",
		observability.F("order_id", id),
		observability.F("target", string(target)))
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) listReview(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		writeErr(w, errs.New("server/review", errs.CodePermission,
			errs.WithMessage("review queue requires the admin role")))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := parsePositiveInt(raw)
		if err != nil {
			writeErr(w, errs.New("server/review", errs.CodeInvalid, errs.WithMessage("invalid limit "+raw)))
			return
		}
		limit = parsed
	}
	items, err := s.orders.ListReview(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if items == nil {
		items = []orderstore.ReviewItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"review": items})
}

func viewerFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(viewerHeader))
}

func isAdmin(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(roleHeader)), roleAdmin)
}

func parsePositiveInt(raw string) (int, error) {
	var value int
	if _, err := fmt.Sscanf(raw, "%d", &value); err != nil {
		return 0, err
	}
	if value <= 0 {
		return 0, fmt.Errorf("value must be > 0")
	}
	return value, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"status": "error", "error": "request body too large"})
		return
	}
	writeErr(w, errs.New("server/decode", errs.CodeInvalid, errs.WithMessage("decode payload"), errs.WithCause(err)))
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "error": "method not allowed"})
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodePermission:
		return http.StatusForbidden
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable, errs.CodeNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	body := map[string]string{
		"status": "error",
		"code":   string(code),
		"error":  err.Error(),
	}
	var e *errs.E
	if errors.As(err, &e) && e != nil {
		if e.Message != "" {
			body["error"] = e.Message
		}
		if e.Remediation != "" {
			body["remediation"] = e.Remediation
		}
		if e.OrderID != "" {
			body["orderId"] = e.OrderID
		}
	}
	writeJSON(w, statusForCode(code), body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+viewerHeader+", "+roleHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
