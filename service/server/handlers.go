package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainfund/ledgercore/service/db"
	"github.com/chainfund/ledgercore/service/registry"
	"github.com/chainfund/ledgercore/service/scan"
	"github.com/chainfund/ledgercore/service/verify"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for claim and wallet payloads
	maxListLimit       = 500
)

// apiResponse is the envelope every JSON endpoint returns. The HTTP
// status is informative; code is the authoritative outcome.
type apiResponse struct {
	OK      bool        `json:"ok"`
	Code    string      `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// handleSubmitClaim returns a handler that verifies a claimed transaction.
// POST /api/v1/claims/{chain}
func handleSubmitClaim(verifier *verify.Engine, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		chainName := r.PathValue("chain")

		var req struct {
			TxHash string `json:"tx_hash"`
			Note   string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode claim request", "error", err)
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "invalid request body: must be valid JSON", nil)
			return
		}
		if strings.TrimSpace(req.TxHash) == "" {
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "tx_hash is required", nil)
			return
		}

		res := verifier.Verify(r.Context(), chainName, strings.TrimSpace(req.TxHash))

		var data interface{}
		if len(res.Contributions) > 0 {
			data = map[string]interface{}{
				"contributions": contributionsToResponse(res.Contributions),
			}
		}
		writeOutcome(w, outcomeStatus(res.Outcome), string(res.Outcome), res.Message, data)
	})
}

// handleTriggerScan returns a handler that runs one scan pass on demand.
// POST /api/v1/scan/{chain}
func handleTriggerScan(scanner *scan.Scanner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		chainName := r.PathValue("chain")

		// Body is optional; an empty one means "resume from the cursor".
		var req struct {
			SinceHeight *uint64 `json:"since_height"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("failed to decode scan request", "error", err)
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "invalid request body: must be valid JSON", nil)
			return
		}

		summary, err := scanner.Run(r.Context(), chainName, req.SinceHeight)
		if err != nil {
			logger.Error("on-demand scan failed", "chain", chainName, "error", err)
			writeOutcome(w, http.StatusBadGateway, string(verify.OutcomeRPCError), "scan failed", summary)
			return
		}
		writeOutcome(w, http.StatusOK, "scan_complete", "", summary)
	})
}

// handleRegisterWallet returns a handler that registers a project wallet.
// POST /api/v1/wallets
func handleRegisterWallet(reg *registry.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			ProjectID string `json:"project_id"`
			Chain     string `json:"chain"`
			Address   string `json:"address"`
			Label     string `json:"label"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode wallet request", "error", err)
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "invalid request body: must be valid JSON", nil)
			return
		}
		if req.ProjectID == "" || req.Chain == "" || req.Address == "" {
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "project_id, chain and address are required", nil)
			return
		}

		wallet, err := reg.Register(r.Context(), db.CreateProjectWalletParams{
			ProjectID: req.ProjectID,
			Chain:     req.Chain,
			Address:   req.Address,
			Label:     req.Label,
		})
		if err != nil {
			logger.Debug("wallet registration rejected", "chain", req.Chain, "error", err)
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), err.Error(), nil)
			return
		}

		writeOutcome(w, http.StatusCreated, "registered", "", walletToResponse(wallet))
	})
}

// handleUnregisterWallet returns a handler that removes a project wallet.
// DELETE /api/v1/wallets/{chain}/{address}
func handleUnregisterWallet(reg *registry.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chainName := r.PathValue("chain")
		address := r.PathValue("address")

		if err := reg.Unregister(r.Context(), chainName, address); err != nil {
			logger.Debug("wallet unregister rejected", "chain", chainName, "error", err)
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), err.Error(), nil)
			return
		}

		logger.Info("wallet unregistered", "chain", chainName, "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleListWallets returns a handler that lists registered wallets.
// GET /api/v1/wallets?chain={chain}
func handleListWallets(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallets, err := store.ListProjectWallets(r.Context(), r.URL.Query().Get("chain"))
		if err != nil {
			logger.Error("failed to list wallets", "error", err)
			writeOutcome(w, http.StatusInternalServerError, string(verify.OutcomeDBError), "internal server error", nil)
			return
		}

		resp := make([]walletResponse, len(wallets))
		for i, wallet := range wallets {
			resp[i] = walletToResponse(wallet)
		}
		writeOutcome(w, http.StatusOK, "ok", "", map[string]interface{}{"wallets": resp})
	})
}

// handleListContributions returns a handler for ledger read-back.
// GET /api/v1/contributions?chain=&project_id=&wallet_id=&limit=&offset=
func handleListContributions(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		params := db.ListContributionsParams{
			Chain:     q.Get("chain"),
			ProjectID: q.Get("project_id"),
		}

		var err error
		if params.WalletID, err = parseInt64Param(q.Get("wallet_id")); err != nil {
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "wallet_id must be an integer", nil)
			return
		}
		limit, err := parseInt64Param(q.Get("limit"))
		if err != nil || limit < 0 || limit > maxListLimit {
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "limit must be an integer between 0 and 500", nil)
			return
		}
		offset, err := parseInt64Param(q.Get("offset"))
		if err != nil || offset < 0 {
			writeOutcome(w, http.StatusBadRequest, string(verify.OutcomeInvalidPayload), "offset must be a non-negative integer", nil)
			return
		}
		params.Limit = int32(limit)
		params.Offset = int32(offset)

		contributions, err := store.ListContributions(r.Context(), params)
		if err != nil {
			logger.Error("failed to list contributions", "error", err)
			writeOutcome(w, http.StatusInternalServerError, string(verify.OutcomeDBError), "internal server error", nil)
			return
		}

		writeOutcome(w, http.StatusOK, "ok", "", map[string]interface{}{
			"contributions": contributionsToResponse(contributions),
		})
	})
}

// Response shapes

type walletResponse struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func walletToResponse(w *db.ProjectWallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		ProjectID: w.ProjectID,
		Chain:     w.Chain,
		Address:   w.Address,
		Label:     w.Label,
		CreatedAt: w.CreatedAt,
	}
}

type contributionResponse struct {
	ID              int64      `json:"id,omitempty"`
	Chain           string     `json:"chain"`
	TxHash          string     `json:"tx_hash"`
	WalletID        int64      `json:"wallet_id"`
	AmountBase      string     `json:"amount_base"`
	AmountCanonical string     `json:"amount_canonical"`
	BlockHeight     int64      `json:"block_height"`
	BlockTime       *time.Time `json:"block_time,omitempty"`
	Source          string     `json:"source"`
	PriceUSD        *string    `json:"price_usd,omitempty"`
}

func contributionsToResponse(cs []*db.Contribution) []contributionResponse {
	out := make([]contributionResponse, len(cs))
	for i, c := range cs {
		out[i] = contributionResponse{
			ID:              c.ID,
			Chain:           c.Chain,
			TxHash:          c.TxHash,
			WalletID:        c.WalletID,
			AmountBase:      c.AmountBase,
			AmountCanonical: c.AmountCanonical,
			BlockHeight:     c.BlockHeight,
			BlockTime:       c.BlockTime,
			Source:          c.Source,
			PriceUSD:        c.PriceUSD,
		}
	}
	return out
}

// outcomeStatus maps a claim outcome to an informative HTTP status.
func outcomeStatus(o verify.Outcome) int {
	switch o {
	case verify.OutcomeInserted:
		return http.StatusCreated
	case verify.OutcomeDuplicate:
		return http.StatusOK
	case verify.OutcomeTxPending:
		return http.StatusAccepted
	case verify.OutcomeTxNotFound:
		return http.StatusNotFound
	case verify.OutcomeNotProjectWallet:
		return http.StatusUnprocessableEntity
	case verify.OutcomeInvalidPayload:
		return http.StatusBadRequest
	case verify.OutcomeUnauthorized:
		return http.StatusUnauthorized
	case verify.OutcomeRPCError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// successCodes are the outcome codes that mean the request achieved its
// goal. Everything else sets ok=false even when the HTTP status is 2xx
// (a pending claim returns 202 but is not yet ledgered).
var successCodes = map[string]bool{
	string(verify.OutcomeInserted):  true,
	string(verify.OutcomeDuplicate): true,
	"ok":            true,
	"registered":    true,
	"scan_complete": true,
}

// writeOutcome writes the standard response envelope.
func writeOutcome(w http.ResponseWriter, statusCode int, code, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiResponse{
		OK:      successCodes[code],
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func parseInt64Param(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
