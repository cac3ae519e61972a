// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Routes registers the circulation endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/requests", h.HandleCreateRequest)
	r.Get("/requests/{id}", h.HandleGetRequest)
	r.Post("/requests/{id}/move", h.HandleMoveRequest)
	r.Get("/items/{itemId}/queue", h.HandleGetRequestQueue)
	r.Post("/checkin-by-barcode", h.HandleCheckIn)
}

type requestResponse struct {
	Request
	Item *Item `json:"item,omitempty"`
	Loan *Loan `json:"loan,omitempty"`
}

func newRequestResponse(records RequestAndRelatedRecords) requestResponse {
	return requestResponse{Request: records.Request, Item: records.Item, Loan: records.Loan}
}

func (h *Handler) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID                uuid.UUID   `json:"item_id"`
		RequesterID           uuid.UUID   `json:"requester_id"`
		RequestType           RequestType `json:"request_type"`
		PickupServicePointID  uuid.UUID   `json:"pickup_service_point_id"`
		DeliveryAddressTypeID uuid.UUID   `json:"delivery_address_type_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := h.service.CreateRequest(r.Context(), Request{
		ItemID:                req.ItemID,
		RequesterID:           req.RequesterID,
		RequestType:           req.RequestType,
		PickupServicePointID:  req.PickupServicePointID,
		DeliveryAddressTypeID: req.DeliveryAddressTypeID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newRequestResponse(records))
}

func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid request ID", http.StatusBadRequest)
		return
	}

	request, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (h *Handler) HandleMoveRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid request ID", http.StatusBadRequest)
		return
	}

	var req struct {
		DestinationItemID uuid.UUID   `json:"destination_item_id"`
		RequestType       RequestType `json:"request_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := h.service.MoveRequestByID(r.Context(), id, req.DestinationItemID, req.RequestType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestResponse(records))
}

func (h *Handler) HandleGetRequestQueue(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "itemId"))
	if err != nil {
		http.Error(w, "invalid item ID", http.StatusBadRequest)
		return
	}

	queue, err := h.service.GetRequestQueue(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Requests     []Request `json:"requests"`
		TotalRecords int       `json:"total_records"`
	}{queue.Requests(), queue.Size()})
}

func (h *Handler) HandleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	checkIn, err := h.service.CheckIn(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Item               *Item     `json:"item"`
		Loan               *Loan     `json:"loan,omitempty"`
		Request            *Request  `json:"request,omitempty"`
		InHouseUse         bool      `json:"in_house_use"`
		ItemStatusBefore   string    `json:"item_status_before_check_in"`
		CheckInProcessedAt time.Time `json:"check_in_processed_at"`
	}{
		Item:               checkIn.Item(),
		Loan:               checkIn.Loan(),
		Request:            checkIn.HighestPriorityFulfillableRequest(),
		InHouseUse:         checkIn.IsInHouseUse(),
		ItemStatusBefore:   string(checkIn.ItemStatusBeforeCheckIn()),
		CheckInProcessedAt: checkIn.CheckInProcessedAt(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if ve, ok := AsValidationError(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, struct {
			Errors []*ValidationError `json:"errors"`
		}{[]*ValidationError{ve}})
		return
	}

	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrItemNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrEditConflict), errors.Is(err, ErrPositionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
