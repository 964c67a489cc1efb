package api

import (
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// walletKey parses an authenticated wallet address back into a key.
// Verify only stores base58 it validated, so failure here is a fault.
func (s *Server) walletKey(w http.ResponseWriter, r *http.Request, addr string) (solana.PublicKey, bool) {
	key, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		s.writeAppErr(w, r, apperr.Wrap(apperr.Internal, "internal error", err))
		return solana.PublicKey{}, false
	}
	return key, true
}

func (s *Server) contextWallet(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	return s.walletKey(w, r, walletFromContext(r.Context()))
}

type balanceResponse struct {
	Credits uint64 `json:"credits"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	// A wallet query param may only name the authenticated wallet.
	if q := r.URL.Query().Get("wallet"); q != "" && q != walletFromContext(r.Context()) {
		s.writeAppErr(w, r, apperr.New(apperr.Forbidden, "wallet mismatch"))
		return
	}
	wallet, ok := s.contextWallet(w, r)
	if !ok {
		return
	}
	balance, err := s.credits.GetCredits(r.Context(), wallet)
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Credits: balance})
}

type topupIntentRequest struct {
	CreditsToBuy uint64 `json:"credits_to_buy"`
}

// handleTopupIntent validates the body before the auth-token gate, so
// the gate runs inline.
func (s *Server) handleTopupIntent(w http.ResponseWriter, r *http.Request) {
	var req topupIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	addr, ok := s.resolveWallet(w, r)
	if !ok {
		return
	}
	wallet, ok := s.walletKey(w, r, addr)
	if !ok {
		return
	}
	intent, err := s.credits.Intent(wallet, req.CreditsToBuy)
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type topupConfirmRequest struct {
	Signature string `json:"signature"`
}

type topupConfirmResponse struct {
	Credited   bool   `json:"credited"`
	NewBalance uint64 `json:"new_balance"`
}

func (s *Server) handleTopupConfirm(w http.ResponseWriter, r *http.Request) {
	var req topupConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.RecordTopup("rejected")
		s.writeAppErr(w, r, err)
		return
	}
	addr, ok := s.resolveWallet(w, r)
	if !ok {
		return
	}
	wallet, ok := s.walletKey(w, r, addr)
	if !ok {
		return
	}
	balance, err := s.credits.ConfirmTopup(r.Context(), wallet, req.Signature)
	if err != nil {
		s.metrics.RecordTopup("rejected")
		s.writeAppErr(w, r, err)
		return
	}
	s.metrics.RecordTopup("credited")
	writeJSON(w, http.StatusOK, topupConfirmResponse{Credited: true, NewBalance: balance})
}
