package api

import (
	"net/http"
)

type challengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req challengeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	ch, err := s.auth.Challenge(r.Context(), req.WalletAddress)
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	res, err := s.auth.Verify(r.Context(), req.WalletAddress, req.Nonce, req.Signature)
	if err != nil {
		s.writeAppErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
