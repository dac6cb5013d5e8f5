package server

import (
	"errors"
	"net/http"

	"satbank/internal/ledger"
	"satbank/internal/wallet"
)

type userResponse struct {
	Username       string `json:"username"`
	Address        string `json:"address"`
	Balance        int64  `json:"balance"`
	ChannelBalance int64  `json:"channelbalance"`
	Channel        string `json:"channel,omitempty"`
}

func userPayload(u *ledger.User) userResponse {
	return userResponse{
		Username:       u.Username,
		Address:        u.Address,
		Balance:        u.Balance,
		ChannelBalance: u.ChannelBalance,
		Channel:        u.Channel,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.engine.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userPayload(user))
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.UserByName(r.Context(), requestUser(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userPayload(user))
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ask":      s.rates.Ask(),
		"currency": s.rates.Currency(),
	})
}

func (s *Server) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.OpenChannel(r.Context(), s.node, requestUser(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCloseChannels(w http.ResponseWriter, r *http.Request) {
	user, err := s.engine.CloseChannels(r.Context(), requestUser(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userPayload(user))
}

func (s *Server) handleSendPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRequest string `json:"payreq"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receipt, err := s.engine.SendPayment(r.Context(), s.node, requestUser(r), req.PaymentRequest)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleSendCoins(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Amount  int64  `json:"amount"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.SendCoins(r.Context(), s.node, requestUser(r), req.Address, req.Amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAddInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	invoice, err := s.engine.AddInvoice(r.Context(), requestUser(r), req.Amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payreq": invoice.PaymentRequest,
		"hash":   invoice.Hash,
		"amount": invoice.AmountSat,
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, requestUser(r))
}

// writeEngineError maps wallet and ledger errors onto HTTP statuses.
// Unrecognized errors are logged and reported as a bare 500 so internal
// detail never reaches clients.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, ledger.ErrDuplicateUser):
		writeError(w, http.StatusConflict, "username is taken")
	case errors.Is(err, ledger.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, wallet.ErrDuplicatePayment):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, wallet.ErrNoPeerAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Printf("server: request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
