package push

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the push transports on a tenant-scoped router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream", h.HandleSSE)
	r.Get("/ws", h.HandleWebSocket)
}
