// Package httpserver exposes the engine's JSON control API, the decryption callback
// endpoint and a websocket event stream.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"

	"github.com/coachpo/kora/errs"
	"github.com/coachpo/kora/internal/app/executor"
	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/app/token"
	"github.com/coachpo/kora/internal/domain/batch"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/infra/bus/eventbus"
	"github.com/coachpo/kora/internal/infra/config"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Engine is the batch engine surface served over HTTP.
type Engine interface {
	Address() common.Address
	CreateStrategy(ctx context.Context, user common.Address, inits []strategy.HookInit, salt common.Hash) (common.Hash, error)
	ExecuteBatch(ctx context.Context, caller common.Address, intents []intent.Intent) (uint64, error)
	ReclaimBatch(ctx context.Context, caller common.Address, requestID uint64) error
	Fulfill(ctx context.Context, resp oracle.Response) error
	Batch(ctx context.Context, requestID uint64) (executor.BatchInfo, error)
	TotalBatches(ctx context.Context) (uint64, error)
	ExpiredBatches(ctx context.Context) ([]batch.Batch, error)
}

// Strategies is the read side of the strategy registry.
type Strategies interface {
	Strategy(ctx context.Context, id common.Hash) (strategy.Strategy, error)
	StrategiesOf(ctx context.Context, user common.Address) ([]strategy.Strategy, error)
	TotalStrategies(ctx context.Context) (uint64, error)
	ComputeStrategyID(user common.Address, salt common.Hash) common.Hash
	Hooks() *hooks.Directory
}

// Controls is the administrative capability.
type Controls interface {
	Owner() common.Address
	Paused() bool
	Signers() *oracle.SignerSet
	SetPaused(ctx context.Context, caller common.Address, paused bool) error
	TransferOwnership(ctx context.Context, caller, newOwner common.Address) error
	UpdateSigners(ctx context.Context, caller common.Address, signers []common.Address, threshold int) error
}

// Venue quotes the swap pool.
type Venue interface {
	Quote(amountIn uint64) (uint64, error)
	Reserves() (uint64, uint64)
}

// FHE is the client-side coprocessor surface: it produces caller-bound inputs, the
// way a client SDK would, and reveals handles the ACL grants to the caller.
type FHE interface {
	EncryptInput(contract, user common.Address, values ...uint64) ([]fhe.External, error)
	AsEuint64(v uint64) fhe.Euint64
	UserDecrypt(h fhe.Handle, account common.Address) (uint64, error)
}

// Deps wires the handler. FHE, Venue, Bus and Limiter are optional.
type Deps struct {
	Environment config.Environment
	Engine      Engine
	Strategies  Strategies
	Controls    Controls
	Tokens      []*token.Ledger
	Venue       Venue
	FHE         FHE
	Bus         eventbus.Bus
	Auth        *Authenticator
	Limiter     *RateLimiter
	Logger      *log.Logger
}

type httpServer struct {
	deps   Deps
	tokens map[string]*token.Ledger
	logger *log.Logger
}

// NewHandler creates the HTTP handler for engine operations.
func NewHandler(deps Deps) http.Handler {
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("")
	}
	server := &httpServer{deps: deps, tokens: make(map[string]*token.Ledger, len(deps.Tokens)), logger: deps.Logger}
	if server.logger == nil {
		server.logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	for _, t := range deps.Tokens {
		server.tokens[strings.ToLower(t.Symbol())] = t
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", server.health)
	mux.HandleFunc("GET /stats", server.stats)
	mux.HandleFunc("GET /hooks", server.listHooks)
	mux.HandleFunc("POST /inputs", server.caller(server.encryptInputs))

	mux.HandleFunc("POST /strategies", server.caller(server.createStrategy))
	mux.HandleFunc("GET /strategies/{id}", server.getStrategy)
	mux.HandleFunc("GET /strategy-ids", server.computeStrategyID)
	mux.HandleFunc("GET /users/{address}/strategies", server.listUserStrategies)

	mux.HandleFunc("POST /batches", server.caller(server.executeBatch))
	mux.HandleFunc("GET /batches/expired", server.listExpiredBatches)
	mux.HandleFunc("GET /batches/{id}", server.getBatch)
	mux.HandleFunc("POST /batches/{id}/reclaim", server.caller(server.reclaimBatch))
	mux.HandleFunc("POST /oracle/callback", server.decryptionCallback)

	mux.HandleFunc("GET /admin", server.adminStatus)
	mux.HandleFunc("POST /admin/pause", server.caller(server.setPaused))
	mux.HandleFunc("POST /admin/ownership", server.caller(server.transferOwnership))
	mux.HandleFunc("PUT /admin/signers", server.caller(server.updateSigners))

	mux.HandleFunc("GET /tokens", server.listTokens)
	mux.HandleFunc("POST /tokens/{symbol}/deposit", server.caller(server.deposit))
	mux.HandleFunc("POST /tokens/{symbol}/approve", server.caller(server.approve))
	mux.HandleFunc("GET /tokens/{symbol}/balance", server.caller(server.balance))

	mux.HandleFunc("GET /venue/quote", server.quote)
	mux.HandleFunc("GET /events/stream", server.streamEvents)

	return withCORS(mux)
}

// caller authenticates the request and applies the per-caller rate limit.
func (s *httpServer) caller(next func(http.ResponseWriter, *http.Request, common.Address)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.deps.Auth.Caller(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if s.deps.Limiter != nil && !s.deps.Limiter.Allow(caller.Hex()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r, caller)
	}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "paused": s.deps.Controls.Paused()})
}

func (s *httpServer) stats(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.deps.Strategies.TotalStrategies(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	batches, err := s.deps.Engine.TotalBatches(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": strategies, "batches": batches})
}

type hookView struct {
	Kind    string         `json:"kind"`
	Address common.Address `json:"address"`
}

func (s *httpServer) listHooks(w http.ResponseWriter, _ *http.Request) {
	all := s.deps.Strategies.Hooks().All()
	out := make([]hookView, 0, len(all))
	for _, h := range all {
		out = append(out, hookView{Kind: h.Kind().String(), Address: h.Address()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"hooks": out})
}

type inputsRequest struct {
	Contract common.Address `json:"contract"`
	Values   []string       `json:"values"`
	Decimals *uint8         `json:"decimals,omitempty"`
}

func (s *httpServer) encryptInputs(w http.ResponseWriter, r *http.Request, caller common.Address) {
	if s.deps.FHE == nil {
		writeError(w, http.StatusNotImplemented, "input encryption unavailable")
		return
	}
	var req inputsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Contract == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "contract required")
		return
	}
	values, err := parseAmounts(req.Values, req.Decimals)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	externals, err := s.deps.FHE.EncryptInput(req.Contract, caller, values...)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]externalPayload, 0, len(externals))
	for _, ext := range externals {
		out = append(out, externalFrom(ext))
	}
	writeJSON(w, http.StatusOK, map[string]any{"inputs": out})
}

func (s *httpServer) getStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.deps.Strategies.Strategy(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *httpServer) computeStrategyID(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	salt, err := parseHash(r.URL.Query().Get("salt"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": s.deps.Strategies.ComputeStrategyID(user, salt)})
}

func (s *httpServer) listUserStrategies(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.deps.Strategies.StrategiesOf(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if list == nil {
		list = []strategy.Strategy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": list})
}

func (s *httpServer) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.deps.Engine.Batch(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *httpServer) listExpiredBatches(w http.ResponseWriter, r *http.Request) {
	expired, err := s.deps.Engine.ExpiredBatches(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	ids := make([]uint64, 0, len(expired))
	for _, b := range expired {
		ids = append(ids, b.RequestID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requestIds": ids})
}

func (s *httpServer) reclaimBatch(w http.ResponseWriter, r *http.Request, caller common.Address) {
	id, err := parseRequestID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Engine.ReclaimBatch(r.Context(), caller, id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reclaimed", "requestId": id})
}

func (s *httpServer) adminStatus(w http.ResponseWriter, _ *http.Request) {
	set := s.deps.Controls.Signers()
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     s.deps.Controls.Owner(),
		"paused":    s.deps.Controls.Paused(),
		"signers":   set.Signers(),
		"threshold": set.Threshold(),
		"engine":    s.deps.Engine.Address(),
	})
}

func (s *httpServer) setPaused(w http.ResponseWriter, r *http.Request, caller common.Address) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Controls.SetPaused(r.Context(), caller, req.Paused); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": s.deps.Controls.Paused()})
}

func (s *httpServer) transferOwnership(w http.ResponseWriter, r *http.Request, caller common.Address) {
	var req struct {
		NewOwner common.Address `json:"newOwner"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Controls.TransferOwnership(r.Context(), caller, req.NewOwner); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": s.deps.Controls.Owner()})
}

func (s *httpServer) updateSigners(w http.ResponseWriter, r *http.Request, caller common.Address) {
	var req struct {
		Signers   []common.Address `json:"signers"`
		Threshold int              `json:"threshold"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.deps.Controls.UpdateSigners(r.Context(), caller, req.Signers, req.Threshold); err != nil {
		writeEngineError(w, err)
		return
	}
	set := s.deps.Controls.Signers()
	writeJSON(w, http.StatusOK, map[string]any{"signers": set.Signers(), "threshold": set.Threshold()})
}

func (s *httpServer) quote(w http.ResponseWriter, r *http.Request) {
	if s.deps.Venue == nil {
		writeError(w, http.StatusServiceUnavailable, "venue unavailable")
		return
	}
	in, err := parseAmounts([]string{r.URL.Query().Get("amountIn")}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.deps.Venue.Quote(in[0])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	r0, r1 := s.deps.Venue.Reserves()
	writeJSON(w, http.StatusOK, map[string]any{
		"amountIn":  formatAmount(in[0]),
		"amountOut": formatAmount(out),
		"price":     priceOf(in[0], out),
		"reserve0":  formatAmount(r0),
		"reserve1":  formatAmount(r1),
	})
}

func parseRequestID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id %q", raw)
	}
	return id, nil
}

func parseHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if len(strings.TrimPrefix(raw, "0x")) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid 32-byte hex value %q", raw)
	}
	return common.HexToHash(raw), nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return false
	}
	return true
}

// statusFor maps an error envelope onto an HTTP status.
func statusFor(e *errs.E) int {
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case errs.CodeAuth:
		return http.StatusForbidden
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeVenue:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeEngineErrorWith(w, err, nil)
}

func writeEngineErrorWith(w http.ResponseWriter, err error, body map[string]any) {
	var e *errs.E
	if !errors.As(err, &e) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if body == nil {
		body = make(map[string]any, 4)
	}
	body["status"] = "error"
	body["error"] = err.Error()
	body["code"] = e.Code
	if canonical := errs.CanonicalOf(err); canonical != errs.CanonicalUnknown {
		body["canonical"] = canonical
	}
	writeJSON(w, statusFor(e), body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+CallerHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
