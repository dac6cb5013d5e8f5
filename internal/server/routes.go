package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger())

	r.Post("/api/register", s.handleRegister)
	r.Get("/api/rates", s.handleRates)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Get("/api/user", s.handleUser)
		r.Post("/api/openchannel", s.handleOpenChannel)
		r.Post("/api/closechannels", s.handleCloseChannels)
		r.Post("/api/sendpayment", s.handleSendPayment)
		r.Post("/api/sendcoins", s.handleSendCoins)
		r.Post("/api/addinvoice", s.handleAddInvoice)
		r.Get("/api/ws", s.handleWebsocket)
	})

	return r
}
