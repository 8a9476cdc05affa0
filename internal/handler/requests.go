package handler

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/pharmaledger/internal/model"
)

type auditNoteResponse struct {
	ActorID uuid.UUID `json:"actor_id"`
	Text    string    `json:"text"`
	At      string    `json:"at"`
}

type orderRequestResponse struct {
	ID                uuid.UUID           `json:"id"`
	ProductID         uuid.UUID           `json:"product_id"`
	CustomerID        uuid.UUID           `json:"customer_id"`
	RequestedQuantity int64               `json:"requested_quantity"`
	ReleasedQuantity  *int64              `json:"released_quantity,omitempty"`
	Status            string              `json:"status"`
	CustomerNote      string              `json:"customer_note,omitempty"`
	AdminNote         string              `json:"admin_note,omitempty"`
	ProcessedAt       *string             `json:"processed_at,omitempty"`
	ConsumedByOrder   *uuid.UUID          `json:"consumed_by_order,omitempty"`
	Notes             []auditNoteResponse `json:"notes,omitempty"`
	CreatedAt         string              `json:"created_at"`
}

func newOrderRequestResponse(e *model.OrderRequestEntry) orderRequestResponse {
	resp := orderRequestResponse{
		ID:                e.ID,
		ProductID:         e.ProductID,
		CustomerID:        e.CustomerID,
		RequestedQuantity: e.RequestedQuantity,
		ReleasedQuantity:  e.ReleasedQuantity,
		Status:            string(e.Status),
		CustomerNote:      e.CustomerNote,
		AdminNote:         e.AdminNote,
		ConsumedByOrder:   e.ConsumedByOrder,
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
	if e.ProcessedAt != nil {
		at := e.ProcessedAt.Format(time.RFC3339)
		resp.ProcessedAt = &at
	}
	for _, n := range e.Notes {
		resp.Notes = append(resp.Notes, auditNoteResponse{
			ActorID: n.ActorID,
			Text:    n.Text,
			At:      n.At.Format(time.RFC3339),
		})
	}
	return resp
}

type submitRequestRequest struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"gt=0"`
	Note      string    `json:"note" validate:"max=1000"`
}

// SubmitRequest создаёт запрос на количество сверх лимита товара.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req submitRequestRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.service.SubmitRequest(r.Context(), actor, req.ProductID, req.Quantity, req.Note)
	if err != nil {
		h.writeError(w, r, "submit request", err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderRequestResponse(entry))
}

// ListRequests возвращает запросы, отфильтрованные по status.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	entries, err := h.service.ListRequests(r.Context(), actor, model.OrderRequestStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeError(w, r, "list requests", err)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderRequestResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, newOrderRequestResponse(&entries[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRequest возвращает запрос по идентификатору.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	entry, err := h.service.GetRequest(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, "get request", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderRequestResponse(entry))
}

type decideRequestRequest struct {
	Decision         string `json:"decision" validate:"required,oneof=approve reject"`
	ReleasedQuantity *int64 `json:"released_quantity"`
	Note             string `json:"note" validate:"max=1000"`
}

// DecideRequest одобряет, частично одобряет или отклоняет запрос.
func (h *Handler) DecideRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var req decideRequestRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.service.DecideRequest(r.Context(), actor, id, model.Decision(req.Decision), req.ReleasedQuantity, req.Note)
	if err != nil {
		h.writeError(w, r, "decide request", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderRequestResponse(entry))
}

type requestNoteRequest struct {
	Text string `json:"text" validate:"required,max=1000"`
}

// AddRequestNote добавляет заметку к запросу, в том числе уже обработанному.
func (h *Handler) AddRequestNote(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "requestID")
	if !ok {
		return
	}

	var req requestNoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.service.AddRequestNote(r.Context(), actor, id, req.Text)
	if err != nil {
		h.writeError(w, r, "add request note", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderRequestResponse(entry))
}
