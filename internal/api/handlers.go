// internal/api/handlers.go
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	apperrors "deal-engine/internal/common/errors"
	"deal-engine/internal/common/validation"
)

const maxBodyBytes = 1 << 20

// decodeAndValidate reads the request body once, checks it against the
// route's schema and then unmarshals it into the typed request struct.
func decodeAndValidate(r *http.Request, schema validation.JSONSchema, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.NewValidationError("failed to read request body")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return apperrors.NewValidationError("request body must be a JSON object")
	}
	if result := validation.ValidateInput(raw, schema); !result.Valid {
		return apperrors.NewValidationError(strings.Join(result.GetErrorMessages(), "; "))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.NewValidationError("request body has wrong field types")
	}
	return nil
}

// ==========================
// Customer handlers
// ==========================

func (s *Server) handleDealStatus(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customerId")
	if customerID == "" {
		s.errs.WriteHTTPError(w, r, apperrors.NewValidationError("customerId query parameter is required"))
		return
	}

	status, err := s.lists.Status(r.Context(), customerID)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateDealRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string   `json:"customerId"`
		CarIDs     []string `json:"carIds"`
	}
	if err := decodeAndValidate(r, dealRequestSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	dl, err := s.lists.CreateDealRequest(r.Context(), req.CustomerID, req.CarIDs)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	status, err := s.lists.Status(r.Context(), req.CustomerID)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"dealListId": dl.ID,
		"dealStatus": status,
	})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID    string `json:"customerId"`
		NegotiationID string `json:"negotiationId"`
	}
	if err := decodeAndValidate(r, acceptOfferSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	deal, err := s.settlements.AcceptOffer(r.Context(), req.CustomerID, req.NegotiationID)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"acceptedDealId":   deal.ID,
		"carId":            deal.CarID,
		"finalPrice":       deal.FinalPrice,
		"verificationCode": deal.VerificationCode,
	})
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID    string `json:"customerId"`
		NegotiationID string `json:"negotiationId"`
	}
	if err := decodeAndValidate(r, declineOfferSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	if err := s.offers.DeclineOffer(r.Context(), req.NegotiationID, req.CustomerID); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

func (s *Server) handleCustomerCancelSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID    string `json:"customerId"`
		SelectedCarID string `json:"selectedCarId"`
	}
	if err := decodeAndValidate(r, customerCancelSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	if err := s.lists.RemoveCar(r.Context(), req.SelectedCarID, req.CustomerID); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCancelAcceptedDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID     string `json:"customerId"`
		AcceptedDealID string `json:"acceptedDealId"`
	}
	if err := decodeAndValidate(r, cancelAcceptedDealSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	if err := s.settlements.CancelByCustomer(r.Context(), req.CustomerID, req.AcceptedDealID); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleScheduleTestDrive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID     string `json:"customerId"`
		AcceptedDealID string `json:"acceptedDealId"`
		PreferredDate  string `json:"preferredDate"`
		PreferredTime  string `json:"preferredTime"`
		Notes          string `json:"notes"`
	}
	if err := decodeAndValidate(r, scheduleTestDriveSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	td, err := s.settlements.ScheduleTestDrive(r.Context(),
		req.CustomerID, req.AcceptedDealID, req.PreferredDate, req.PreferredTime, req.Notes)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"testDriveId":   td.ID,
		"status":        string(td.Status),
		"scheduledDate": td.ScheduledDate,
		"scheduledTime": td.ScheduledTime,
	})
}

// ==========================
// Dealer handlers
// ==========================

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DealerID      string `json:"dealerId"`
		SelectedCarID string `json:"selectedCarId"`
		OfferPrice    int64  `json:"offerPrice"`
	}
	if err := decodeAndValidate(r, submitOfferSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	offer, err := s.offers.SubmitOffer(r.Context(), req.SelectedCarID, req.DealerID, req.OfferPrice)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"negotiationId": offer.ID,
		"offerPrice":    offer.OfferedPrice,
		"status":        string(offer.Status),
	})
}

func (s *Server) handleDeadDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DealerID       string `json:"dealerId"`
		AcceptedDealID string `json:"acceptedDealId"`
	}
	if err := decodeAndValidate(r, dealerDealSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	if err := s.settlements.MarkDeadDeal(r.Context(), req.DealerID, req.AcceptedDealID); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "dead_deal"})
}

func (s *Server) handleMarkSold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DealerID       string `json:"dealerId"`
		AcceptedDealID string `json:"acceptedDealId"`
		FinalPrice     *int64 `json:"finalPrice"`
	}
	if err := decodeAndValidate(r, markSoldSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	deal, err := s.settlements.MarkSold(r.Context(), req.DealerID, req.AcceptedDealID, req.FinalPrice)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"acceptedDealId": deal.ID,
		"status":         "sold",
	})
}

func (s *Server) handleDealerCancelSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DealerID      string `json:"dealerId"`
		SelectedCarID string `json:"selectedCarId"`
	}
	if err := decodeAndValidate(r, dealerCancelSchema, &req); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	if err := s.lists.DealerCancelSelection(r.Context(), req.SelectedCarID, req.DealerID); err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ==========================
// Catalogue and ops handlers
// ==========================

func (s *Server) handleListCars(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	cars, err := s.cars.ListAvailable(r.Context(), nil, limit, offset)
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}

	type carView struct {
		ID        string `json:"id"`
		Make      string `json:"make"`
		Model     string `json:"model"`
		Year      int    `json:"year"`
		SalePrice int64  `json:"salePrice"`
	}
	views := make([]carView, 0, len(cars))
	for _, c := range cars {
		views = append(views, carView{
			ID: c.ID, Make: c.Make, Model: c.Model, Year: c.Year, SalePrice: c.SalePrice,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cars": views})
}

func (s *Server) handleAutoSoldSweep(w http.ResponseWriter, r *http.Request) {
	if !s.requireCronAuth(r) {
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	report, err := s.sweeper.Run(r.Context())
	if err != nil {
		s.errs.WriteHTTPError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthCheck != nil {
		if err := s.healthCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
