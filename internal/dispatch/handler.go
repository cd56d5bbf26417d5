package dispatch

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/raahi/dispatch/internal/codec"
	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/pkg/common"
	"github.com/raahi/dispatch/pkg/middleware"
)

const maxLocationBody = 8 * 1024

// Handler is the dispatcher's HTTP surface.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires the ride and location endpoints onto an
// authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	rides := r.Group("/rides")
	rides.POST("", middleware.RequireRole(middleware.RolePassenger), h.CreateRide)
	rides.GET("/available", middleware.RequireRole(middleware.RoleDriver), h.AvailableRides)
	rides.GET("/:id", h.GetRide)
	rides.POST("/:id/accept", middleware.RequireRole(middleware.RoleDriver), h.AcceptRide)
	rides.POST("/:id/start", middleware.RequireRole(middleware.RoleDriver), h.StartRide)
	rides.PUT("/:id/status", h.UpdateStatus)
	rides.POST("/:id/cancel", h.CancelRide)
	rides.POST("/:id/track", middleware.RequireRole(middleware.RoleDriver), h.TrackRide)
	rides.POST("/:id/chat", h.SendChat)
	rides.GET("/:id/chat", h.ChatMessages)

	r.POST("/location/binary", middleware.RequireRole(middleware.RoleDriver), h.SubmitLocation)
	r.GET("/realtime/stats", h.Stats)
}

// respondError maps store and service errors onto the envelope.
func respondError(c *gin.Context, err error) {
	var appErr *common.AppError
	var taken *fireball.TakenError
	var invalid *fireball.InvalidTransitionError

	switch {
	case errors.As(err, &appErr):
		common.AppErrorResponse(c, appErr)
	case errors.As(err, &taken):
		c.JSON(http.StatusConflict, common.Response{
			Success: false,
			Data:    gin.H{"assigned_to": taken.AssignedTo},
			Error: &common.ErrorInfo{
				Code:      http.StatusConflict,
				ErrorCode: common.CodeRideAlreadyTaken,
				Message:   taken.Error(),
			},
		})
	case errors.As(err, &invalid):
		common.AppErrorResponse(c, common.NewInvalidTransitionError(invalid.Error()))
	case errors.Is(err, fireball.ErrNotFound):
		common.AppErrorResponse(c, common.NewNotFoundError("ride not found", err))
	case errors.Is(err, fireball.ErrActiveRideExists):
		common.AppErrorResponse(c, common.NewConflictError("passenger already has an active ride", ""))
	case errors.Is(err, fireball.ErrDriverBusy):
		common.AppErrorResponse(c, common.NewConflictError("driver already has an active ride", ""))
	case errors.Is(err, ramen.ErrNotRegistered):
		common.AppErrorResponse(c, common.NewForbiddenError("caller is not a registered driver", common.CodeDriverNotVerified))
	default:
		common.AppErrorResponse(c, common.NewInternalErrorWithError("internal server error", err))
	}
}

// CreateRide handles POST /rides. The response carries the OTP; this
// is the one surface where it is visible.
func (h *Handler) CreateRide(c *gin.Context) {
	var in CreateRideInput
	if err := c.ShouldBindJSON(&in); err != nil {
		common.AppErrorResponse(c, common.NewValidationError(err.Error()))
		return
	}
	in.PassengerID = middleware.UserID(c)

	ride, err := h.svc.CreateRide(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	common.CreatedResponse(c, ride)
}

// AcceptRide handles POST /rides/:id/accept.
func (h *Handler) AcceptRide(c *gin.Context) {
	ride, err := h.svc.AcceptRide(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, ride)
}

// StartRide handles POST /rides/:id/start with body {otp}.
func (h *Handler) StartRide(c *gin.Context) {
	var body struct {
		Otp string `json:"otp" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.AppErrorResponse(c, common.NewValidationError("otp is required"))
		return
	}

	ride, err := h.svc.StartRide(c.Request.Context(), c.Param("id"), middleware.UserID(c), body.Otp)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, ride)
}

// UpdateStatus handles PUT /rides/:id/status with body
// {status, reason?, otp?}.
func (h *Handler) UpdateStatus(c *gin.Context) {
	var body struct {
		Status string `json:"status" binding:"required"`
		Reason string `json:"reason"`
		Otp    string `json:"otp"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.AppErrorResponse(c, common.NewValidationError("status is required"))
		return
	}

	ride, err := h.svc.UpdateStatus(
		c.Request.Context(),
		c.Param("id"),
		fireball.Status(body.Status),
		middleware.UserID(c),
		middleware.UserRole(c),
		body.Otp,
		body.Reason,
	)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, ride)
}

// CancelRide handles POST /rides/:id/cancel with body {reason}.
func (h *Handler) CancelRide(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	ride, err := h.svc.CancelRide(c.Request.Context(), c.Param("id"), middleware.UserID(c), middleware.UserRole(c), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, ride)
}

// TrackRide handles POST /rides/:id/track with body
// {lat, lng, heading?, speed?}.
func (h *Handler) TrackRide(c *gin.Context) {
	var body struct {
		Lat     *float64 `json:"lat" binding:"required"`
		Lng     *float64 `json:"lng" binding:"required"`
		Heading *float64 `json:"heading"`
		Speed   *float64 `json:"speed"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.AppErrorResponse(c, common.NewValidationError("lat and lng are required"))
		return
	}

	result, err := h.svc.TrackRide(c.Request.Context(), c.Param("id"), middleware.UserID(c), *body.Lat, *body.Lng, body.Heading, body.Speed)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, result)
}

// GetRide handles GET /rides/:id.
func (h *Handler) GetRide(c *gin.Context) {
	ride, err := h.svc.GetRideView(c.Request.Context(), c.Param("id"), middleware.UserID(c), middleware.UserRole(c))
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, ride)
}

// AvailableRides handles GET /rides/available?lat&lng&radius.
func (h *Handler) AvailableRides(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		common.AppErrorResponse(c, common.NewValidationError("lat and lng query parameters are required"))
		return
	}
	radius, _ := strconv.ParseFloat(c.DefaultQuery("radius", "0"), 64)

	rides, err := h.svc.AvailableRides(lat, lng, radius)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"rides": rides, "count": len(rides)})
}

// SendChat handles POST /rides/:id/chat with body {message}.
func (h *Handler) SendChat(c *gin.Context) {
	var body struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		common.AppErrorResponse(c, common.NewValidationError("message is required"))
		return
	}

	msg, err := h.svc.SendChatMessage(c.Request.Context(), c.Param("id"), middleware.UserID(c), middleware.UserRole(c), body.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, msg)
}

// ChatMessages handles GET /rides/:id/chat?limit.
func (h *Handler) ChatMessages(c *gin.Context) {
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "0"), 10, 64)
	msgs, err := h.svc.ChatMessages(c.Request.Context(), c.Param("id"), middleware.UserID(c), middleware.UserRole(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	common.SuccessResponse(c, gin.H{"messages": msgs, "count": len(msgs)})
}

// locationBody is the standard JSON layout for location submissions.
type locationBody struct {
	Lat     *float64 `json:"lat" binding:"required"`
	Lng     *float64 `json:"lng" binding:"required"`
	Heading *float64 `json:"heading"`
	Speed   *float64 `json:"speed"`
}

// SubmitLocation handles POST /location/binary. Content-Type selects
// the decoding: the 24/32-byte binary layouts, compact JSON, or
// standard JSON. The response echoes the negotiated content type.
func (h *Handler) SubmitLocation(c *gin.Context) {
	enc := codec.Negotiate(c.ContentType())

	var (
		lat, lng       float64
		heading, speed *float64
	)

	switch enc {
	case codec.EncodingBinary:
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLocationBody))
		if err != nil {
			common.AppErrorResponse(c, common.NewValidationError("unreadable request body"))
			return
		}
		sample, err := decodeBinarySample(raw)
		if err != nil {
			common.AppErrorResponse(c, common.NewValidationError(err.Error()))
			return
		}
		lat, lng = sample.Lat, sample.Lng
		heading, speed = &sample.Heading, &sample.Speed

	case codec.EncodingCompact:
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLocationBody))
		if err != nil {
			common.AppErrorResponse(c, common.NewValidationError("unreadable request body"))
			return
		}
		sample, err := codec.DecodeCompactJSON(raw)
		if err != nil {
			common.AppErrorResponse(c, common.NewValidationError(err.Error()))
			return
		}
		lat, lng = sample.Lat, sample.Lng
		heading, speed = &sample.Heading, &sample.Speed

	default:
		var body locationBody
		if err := c.ShouldBindJSON(&body); err != nil {
			common.AppErrorResponse(c, common.NewValidationError("lat and lng are required"))
			return
		}
		lat, lng = *body.Lat, *body.Lng
		heading, speed = body.Heading, body.Speed
	}

	result, err := h.svc.ReportDriverLocation(c.Request.Context(), middleware.UserID(c), lat, lng, heading, speed)
	if err != nil {
		respondError(c, err)
		return
	}

	if enc == codec.EncodingBinary {
		ack := codec.Encode(codec.LocationSample{
			Lat:       lat,
			Lng:       lng,
			Heading:   deref(heading),
			Speed:     deref(speed),
			Timestamp: time.Now().UTC(),
			H3Index:   result.H3Index,
		})
		c.Data(http.StatusOK, enc.ContentType(), ack)
		return
	}
	c.Header("Content-Type", enc.ContentType())
	common.SuccessResponse(c, result)
}

// decodeBinarySample accepts exactly the 24-byte or the 32-byte tagged
// frame.
func decodeBinarySample(raw []byte) (codec.LocationSample, error) {
	switch len(raw) {
	case codec.SampleSize:
		return codec.Decode(raw)
	case codec.TaggedSampleSize:
		_, sample, err := codec.DecodeTagged(raw)
		return sample, err
	default:
		return codec.LocationSample{}, codec.ErrBadFrameSize
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Stats handles GET /realtime/stats.
func (h *Handler) Stats(c *gin.Context) {
	common.SuccessResponse(c, h.svc.Stats())
}
