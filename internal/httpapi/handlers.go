package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/gpureserve/pkg/booking"
	"github.com/gin-gonic/gin"
)

const defaultUpcomingMinutes = 60

var errInvalidPayload = errors.New("invalid payload")

func (handler *httpHandler) handleCreate(ctx *gin.Context) {
	input, ok := handler.bindCreateInput(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Create(requestCtx, input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	quote := toQuotePayload(result.Quote)
	ctx.JSON(http.StatusCreated, gin.H{
		"reservation_id":   result.Reservation.ID,
		"credits_required": quote.CreditsRequired,
		"discount_rate":    quote.DiscountRate,
		"spot_total":       quote.SpotTotal,
		"reserved_total":   quote.ReservedTotal,
		"reservation":      toReservationPayload(result.Reservation),
		"quote":            quote,
	})
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	input, ok := handler.bindCreateInput(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	preview, err := handler.service.Quote(requestCtx, input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"quote":     toQuotePayload(preview.Quote),
		"available": preview.Available,
		"conflicts": toConflictPayloads(preview.Conflicts),
	})
}

func (handler *httpHandler) handleAvailability(ctx *gin.Context) {
	gpuType, err := booking.NewGPUType(ctx.Query("gpu_type"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	start, startErr := time.Parse(time.RFC3339, ctx.Query("start_time"))
	end, endErr := time.Parse(time.RFC3339, ctx.Query("end_time"))
	if startErr != nil || endErr != nil {
		handler.respondError(ctx, fmt.Errorf("%w: start_time and end_time must be RFC3339", booking.ErrInvalidTimeWindow))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	conflicts, err := handler.service.Conflicts(requestCtx, gpuType, start, end)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"available": len(conflicts) == 0,
		"conflicts": toConflictPayloads(conflicts),
	})
}

func (handler *httpHandler) handleGet(ctx *gin.Context) {
	reservationID, ok := handler.reservationID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Get(requestCtx, reservationID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": toReservationPayload(reservation)})
}

func (handler *httpHandler) handleActivate(ctx *gin.Context) {
	reservationID, ok := handler.reservationID(ctx)
	if !ok {
		return
	}
	var request activateRequest
	if !bindJSON(ctx, &request, true) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Activate(requestCtx, reservationID, request.InstanceID, request.Provider)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": toReservationPayload(reservation)})
}

func (handler *httpHandler) handleComplete(ctx *gin.Context) {
	reservationID, ok := handler.reservationID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.Complete(requestCtx, reservationID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": toReservationPayload(reservation)})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	reservationID, ok := handler.reservationID(ctx)
	if !ok {
		return
	}
	var request reasonRequest
	if !bindJSON(ctx, &request, false) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Cancel(requestCtx, reservationID, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{
		"reservation":     toReservationPayload(result.Reservation),
		"refunded_amount": credits(result.RefundedAmount),
	}
	if result.ReleasedInstanceID != "" {
		response["released_instance_id"] = result.ReleasedInstanceID
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleFail(ctx *gin.Context) {
	reservationID, ok := handler.reservationID(ctx)
	if !ok {
		return
	}
	var request reasonRequest
	if !bindJSON(ctx, &request, false) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Fail(requestCtx, reservationID, request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation":     toReservationPayload(result.Reservation),
		"refunded_amount": credits(result.RefundedAmount),
	})
}

func (handler *httpHandler) handleUpcoming(ctx *gin.Context) {
	withinMinutes := defaultUpcomingMinutes
	if raw := ctx.Query("within_minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			handler.respondError(ctx, fmt.Errorf("%w: within_minutes must be an integer", booking.ErrInvalidTimeWindow))
			return
		}
		withinMinutes = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservations, err := handler.service.GetUpcoming(requestCtx, withinMinutes)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": toReservationPayloads(reservations)})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.userID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":           userID.String(),
		"available_credits": credits(balance),
	})
}

func (handler *httpHandler) handleListCredits(ctx *gin.Context) {
	userID, ok := handler.userID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grants, err := handler.ledger.ListGrants(requestCtx, userID, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]grantPayload, 0, len(grants))
	for _, grant := range grants {
		payloads = append(payloads, toGrantPayload(grant))
	}
	ctx.JSON(http.StatusOK, gin.H{"credits": payloads})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	userID, ok := handler.userID(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if !bindJSON(ctx, &request, true) {
		return
	}
	input := booking.GrantInput{
		UserID:      userID,
		Amount:      request.Amount,
		Description: request.Description,
	}
	if request.Type != "" {
		transactionType, err := booking.ParseTransactionType(request.Type)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		input.TransactionType = transactionType
	}
	if request.ExpiresAt != nil {
		input.ExpiresAt = *request.ExpiresAt
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grant, err := handler.ledger.Grant(requestCtx, input)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"credit": toGrantPayload(grant)})
}

func (handler *httpHandler) handleListReservations(ctx *gin.Context) {
	userID, ok := handler.userID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservations, err := handler.service.ListForUser(requestCtx, userID, queryLimit(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservations": toReservationPayloads(reservations)})
}

func (handler *httpHandler) bindCreateInput(ctx *gin.Context) (booking.CreateInput, bool) {
	var request createRequest
	if !bindJSON(ctx, &request, true) {
		return booking.CreateInput{}, false
	}
	userID, err := booking.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return booking.CreateInput{}, false
	}
	gpuType, err := booking.NewGPUType(request.GPUType)
	if err != nil {
		handler.respondError(ctx, err)
		return booking.CreateInput{}, false
	}
	metadata, err := booking.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return booking.CreateInput{}, false
	}
	gpuCount := 1
	if request.GPUCount != nil {
		gpuCount = *request.GPUCount
	}
	return booking.CreateInput{
		UserID:   userID,
		GPUType:  gpuType,
		Start:    request.StartTime,
		End:      request.EndTime,
		GPUCount: gpuCount,
		Metadata: metadata,
	}, true
}

func (handler *httpHandler) reservationID(ctx *gin.Context) (booking.ReservationID, bool) {
	reservationID, err := booking.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return booking.ReservationID{}, false
	}
	return reservationID, true
}

func (handler *httpHandler) userID(ctx *gin.Context) (booking.UserID, bool) {
	userID, err := booking.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return booking.UserID{}, false
	}
	return userID, true
}

// bindJSON decodes the request body; an empty body is accepted unless required.
func bindJSON(ctx *gin.Context, target any, required bool) bool {
	err := ctx.ShouldBindJSON(target)
	if err == nil || (!required && errors.Is(err, io.EOF)) {
		return true
	}
	ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", fmt.Sprintf("%v: %v", errInvalidPayload, err)))
	return false
}

func queryLimit(ctx *gin.Context) int {
	limit, err := strconv.Atoi(ctx.Query("limit"))
	if err != nil {
		return 0
	}
	return limit
}
