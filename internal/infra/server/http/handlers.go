package httpserver

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/coachpo/kora/internal/app/hooks"
	"github.com/coachpo/kora/internal/app/oracle"
	"github.com/coachpo/kora/internal/app/token"
	"github.com/coachpo/kora/internal/domain/fhe"
	"github.com/coachpo/kora/internal/domain/intent"
	"github.com/coachpo/kora/internal/domain/strategy"
	"github.com/coachpo/kora/internal/numeric"
)

// maxAmount spells an unlimited approval.
const maxAmount = "max"

type externalPayload struct {
	Handle fhe.Handle    `json:"handle"`
	Proof  hexutil.Bytes `json:"proof"`
}

func externalFrom(ext fhe.External) externalPayload {
	return externalPayload{Handle: ext.Handle, Proof: hexutil.Bytes(ext.Proof)}
}

func (p externalPayload) external() fhe.External {
	return fhe.External{Handle: p.Handle, Proof: []byte(p.Proof)}
}

type hookInitPayload struct {
	Hook  common.Address   `json:"hook,omitempty"`
	Kind  string           `json:"kind,omitempty"`
	Param *externalPayload `json:"param,omitempty"`
	Data  hexutil.Bytes    `json:"data,omitempty"`
}

type createStrategyRequest struct {
	Salt  common.Hash       `json:"salt"`
	Hooks []hookInitPayload `json:"hooks"`
}

func (s *httpServer) createStrategy(w http.ResponseWriter, r *http.Request, caller common.Address) {
	var req createStrategyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inits, err := s.hookInits(req.Hooks, caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Engine.CreateStrategy(r.Context(), caller, inits, req.Salt)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

// hookInits resolves kind names and builds owner-bound initializers for entries
// that carry an encrypted parameter instead of raw data.
func (s *httpServer) hookInits(payloads []hookInitPayload, caller common.Address) ([]strategy.HookInit, error) {
	inits := make([]strategy.HookInit, 0, len(payloads))
	for i, p := range payloads {
		addr := p.Hook
		if p.Kind != "" {
			kind, err := hooks.ParseKind(p.Kind)
			if err != nil {
				return nil, fmt.Errorf("hooks[%d]: %w", i, err)
			}
			h, ok := s.deps.Strategies.Hooks().ByKind(kind)
			if !ok {
				return nil, fmt.Errorf("hooks[%d]: kind %s not deployed", i, kind)
			}
			addr = h.Address()
		}
		switch {
		case len(p.Data) > 0:
			inits = append(inits, strategy.HookInit{Hook: addr, Data: []byte(p.Data)})
		case p.Param != nil:
			data := hooks.EncodeInitData(hooks.InitData{Owner: caller, Param: p.Param.external()})
			inits = append(inits, strategy.HookInit{Hook: addr, Data: data})
		default:
			return nil, fmt.Errorf("hooks[%d]: param or data required", i)
		}
	}
	return inits, nil
}

type intentPayload struct {
	ID         common.Hash     `json:"intentId"`
	StrategyID common.Hash     `json:"strategyId"`
	Amount     externalPayload `json:"amount"`
}

func (s *httpServer) executeBatch(w http.ResponseWriter, r *http.Request, caller common.Address) {
	var req struct {
		Intents []intentPayload `json:"intents"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	intents := make([]intent.Intent, 0, len(req.Intents))
	for _, p := range req.Intents {
		id := p.ID
		if id == (common.Hash{}) {
			id = intent.NewID()
		}
		intents = append(intents, intent.Intent{ID: id, StrategyID: p.StrategyID, Amount: p.Amount.external()})
	}
	requestID, err := s.deps.Engine.ExecuteBatch(r.Context(), caller, intents)
	if err != nil {
		body := map[string]any{}
		if requestID != 0 {
			// The batch was committed; only the decryption request failed.
			body["requestId"] = requestID
		}
		writeEngineErrorWith(w, err, body)
		return
	}
	ids := make([]common.Hash, 0, len(intents))
	for _, in := range intents {
		ids = append(ids, in.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requestId": requestID, "intentIds": ids})
}

type callbackRequest struct {
	RequestID  uint64          `json:"requestId"`
	Cleartexts []uint64        `json:"cleartexts"`
	Signatures []hexutil.Bytes `json:"signatures"`
}

func (s *httpServer) decryptionCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sigs := make([][]byte, 0, len(req.Signatures))
	for _, sig := range req.Signatures {
		sigs = append(sigs, []byte(sig))
	}
	resp := oracle.Response{RequestID: req.RequestID, Cleartexts: req.Cleartexts, Signatures: sigs}
	if err := s.deps.Engine.Fulfill(r.Context(), resp); err != nil {
		s.logger.Printf("decryption callback for request %d rejected: %v", req.RequestID, err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "fulfilled", "requestId": req.RequestID})
}

type tokenView struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Reserve  string `json:"reserve"`
}

func (s *httpServer) listTokens(w http.ResponseWriter, _ *http.Request) {
	out := make([]tokenView, 0, len(s.deps.Tokens))
	for _, t := range s.deps.Tokens {
		out = append(out, tokenView{Symbol: t.Symbol(), Decimals: t.Decimals(), Reserve: numeric.FormatUnits(t.Reserve(), t.Decimals())})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *httpServer) token(w http.ResponseWriter, r *http.Request) (*token.Ledger, bool) {
	symbol := r.PathValue("symbol")
	t, ok := s.tokens[strings.ToLower(symbol)]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown token %q", symbol))
	}
	return t, ok
}

func (s *httpServer) deposit(w http.ResponseWriter, r *http.Request, caller common.Address) {
	t, ok := s.token(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := numeric.ParseUnits(req.Amount, t.Decimals())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := t.Deposit(caller, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *httpServer) approve(w http.ResponseWriter, r *http.Request, caller common.Address) {
	t, ok := s.token(w, r)
	if !ok {
		return
	}
	if s.deps.FHE == nil {
		writeError(w, http.StatusNotImplemented, "approvals unavailable")
		return
	}
	var req struct {
		Spender common.Address `json:"spender"`
		Amount  string         `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Spender == (common.Address{}) {
		req.Spender = s.deps.Engine.Address()
	}
	amount := uint64(math.MaxUint64)
	if !strings.EqualFold(strings.TrimSpace(req.Amount), maxAmount) {
		parsed, err := numeric.ParseUnits(req.Amount, t.Decimals())
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		amount = parsed
	}
	if err := t.Approve(caller, req.Spender, s.deps.FHE.AsEuint64(amount)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowance": t.Allowance(caller, req.Spender)})
}

func (s *httpServer) balance(w http.ResponseWriter, r *http.Request, caller common.Address) {
	t, ok := s.token(w, r)
	if !ok {
		return
	}
	handle, err := t.BalanceOf(caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body := map[string]any{"symbol": t.Symbol(), "handle": handle}
	if s.deps.FHE != nil && !handle.IsZero() {
		clear, err := s.deps.FHE.UserDecrypt(handle.Handle(), caller)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		body["amount"] = numeric.FormatUnits(clear, t.Decimals())
	}
	writeJSON(w, http.StatusOK, body)
}

func parseAmounts(raw []string, decimals *uint8) ([]uint64, error) {
	dec := numeric.DefaultDecimals
	if decimals != nil {
		dec = *decimals
	}
	out := make([]uint64, 0, len(raw))
	for _, v := range raw {
		amount, err := numeric.ParseUnits(v, dec)
		if err != nil {
			return nil, err
		}
		out = append(out, amount)
	}
	return out, nil
}

func formatAmount(v uint64) string {
	return numeric.FormatUnits(v, numeric.DefaultDecimals)
}

func priceOf(in, out uint64) string {
	return numeric.Price(in, out, numeric.DefaultDecimals, numeric.DefaultDecimals, 8)
}
