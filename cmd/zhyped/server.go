package main

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"zhype/core"
	"zhype/crypto"
	"zhype/native/oracle"
	"zhype/native/timelock"
)

const requestIDHeader = "X-Request-Id"

// server exposes the read-only dashboard API. All mutation goes through the
// CLI against the data directory; the HTTP surface never writes.
type server struct {
	ledger *core.Ledger
	price  oracle.PriceSource
	logger *slog.Logger
}

func newServer(ledger *core.Ledger, price oracle.PriceSource, logger *slog.Logger) *server {
	return &server{ledger: ledger, price: price, logger: logger}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/price", s.handlePrice)
		r.Get("/treasury", s.handleTreasury)
		r.Get("/export", s.handleExport)
		r.Route("/accounts/{address}", func(r chi.Router) {
			r.Get("/", s.handleAccount)
			r.Get("/withdrawals", s.queueHandler(s.ledger.PendingWithdrawals))
			r.Get("/unstakes", s.queueHandler(s.ledger.PendingUnstakes))
		})
	})
	return otelhttp.NewHandler(r, "zhyped")
}

// requestID tags every request so log lines correlate across the handler
// chain. An inbound id from a trusted proxy is kept.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", slog.Any("error", err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) accountParam(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return [20]byte{}, false
	}
	return addr.Array(), true
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.ledger.Halted() {
		status = "halted"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.price.GetPrice(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"pair":  "HYPE/USD",
		"price": price.FloatString(6),
	})
}

func (s *server) handleTreasury(w http.ResponseWriter, r *http.Request) {
	custody, err := s.ledger.TreasuryBalance()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	treasuryRate, err := s.ledger.TreasuryRateBps()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	stakingRate, err := s.ledger.StakingRateBps()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	virtual, err := s.ledger.VirtualSupply()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"custodyBalance":        custody.String(),
		"virtualSupply":         virtual.String(),
		"treasuryRateBps":       treasuryRate,
		"stakingRateBps":        stakingRate,
		"unstakingDelaySeconds": s.ledger.UnstakingDelay(),
	})
}

type accountResponse struct {
	Address          string `json:"address"`
	TreasuryBalance  string `json:"treasuryBalance"`
	PeggedBalance    string `json:"peggedBalance"`
	TotalStaked      string `json:"totalStaked"`
	VirtualStaked    string `json:"virtualStaked"`
	TreasuryRewards  string `json:"treasuryRewards"`
	StakingRewards   string `json:"stakingRewards"`
	ClaimedUSDH      string `json:"claimedUsdh"`
	AutoInvest       bool   `json:"autoInvest"`
}

func (s *server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := s.accountParam(w, r)
	if !ok {
		return
	}
	resp := accountResponse{Address: chi.URLParam(r, "address")}
	reads := []struct {
		dst  *string
		read func([20]byte) (*big.Int, error)
	}{
		{&resp.TreasuryBalance, s.ledger.BalanceOf},
		{&resp.PeggedBalance, s.ledger.PeggedBalance},
		{&resp.TotalStaked, s.ledger.TotalStaked},
		{&resp.VirtualStaked, s.ledger.VirtualStaked},
		{&resp.TreasuryRewards, s.ledger.CalculateTreasuryRewards},
		{&resp.StakingRewards, s.ledger.CalculateStakingRewards},
		{&resp.ClaimedUSDH, s.ledger.RewardBalance},
	}
	for _, read := range reads {
		value, err := read.read(account)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		*read.dst = value.String()
	}
	autoInvest, err := s.ledger.AutoInvest(account)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp.AutoInvest = autoInvest
	s.writeJSON(w, http.StatusOK, resp)
}

type queueEntryResponse struct {
	ID          uint64 `json:"id"`
	Amount      string `json:"amount"`
	RequestedAt uint64 `json:"requestedAt"`
	MaturesAt   uint64 `json:"maturesAt"`
	Status      string `json:"status"`
}

func (s *server) queueHandler(list func([20]byte) ([]*timelock.Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, ok := s.accountParam(w, r)
		if !ok {
			return
		}
		entries, err := list(account)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		now := uint64(time.Now().Unix())
		out := make([]queueEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, queueEntryResponse{
				ID:          entry.ID,
				Amount:      entry.Amount.String(),
				RequestedAt: entry.RequestedAt,
				MaturesAt:   entry.MaturesAt,
				Status:      entry.Status(now).String(),
			})
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	raw, err := s.ledger.ExportState()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		s.logger.Warn("Failed to write snapshot", slog.Any("error", err))
	}
}
