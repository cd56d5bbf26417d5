package sse

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/raahi/dispatch/internal/bus"
	"github.com/raahi/dispatch/internal/fireball"
	"github.com/raahi/dispatch/internal/geoindex"
	"github.com/raahi/dispatch/internal/ramen"
	"github.com/raahi/dispatch/pkg/common"
	"github.com/raahi/dispatch/pkg/logger"
	"github.com/raahi/dispatch/pkg/middleware"
)

const heartbeatInterval = 15 * time.Second

// Handler exposes the stream endpoints. Each endpoint attaches a
// client under one of three subscription templates: ride, driver, or
// admin.
type Handler struct {
	manager *Manager
	rides   *fireball.Store
	drivers *ramen.Store
	geo     *geoindex.Index
	maxK    int
}

func NewHandler(manager *Manager, rides *fireball.Store, drivers *ramen.Store, geo *geoindex.Index, maxK int) *Handler {
	return &Handler{manager: manager, rides: rides, drivers: drivers, geo: geo, maxK: maxK}
}

// RegisterRoutes wires the stream endpoints onto an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sse/ride/:id", h.StreamRide)
	r.GET("/sse/driver/:id", middleware.RequireRole(middleware.RoleDriver), h.StreamDriver)
	r.PATCH("/sse/driver/:id/location", middleware.RequireRole(middleware.RoleDriver), h.UpdateDriverCells)
	r.GET("/sse/admin", middleware.RequireRole(middleware.RoleAdmin), h.StreamAdmin)
}

// StreamRide attaches a ride participant to the ride channel.
func (h *Handler) StreamRide(c *gin.Context) {
	rideID := c.Param("id")
	ride, ok := h.rides.GetRide(rideID)
	if !ok {
		common.AppErrorResponse(c, common.NewNotFoundError("ride not found", nil))
		return
	}

	userID := middleware.UserID(c)
	if userID == "" {
		common.AppErrorResponse(c, common.NewUnauthorizedError("missing credentials"))
		return
	}
	if !h.isParticipant(c, userID, ride) {
		common.AppErrorResponse(c, common.NewForbiddenError("not a ride participant", common.CodeNotParticipant))
		return
	}

	client := h.manager.Connect("", bus.RideChannel(rideID))
	h.stream(c, client, nil)
}

// StreamDriver attaches a driver to its own channel, the broadcast
// audience, and the k-ring cells around the supplied coordinates.
func (h *Handler) StreamDriver(c *gin.Context) {
	driverID, ok := h.resolveOwnDriver(c)
	if !ok {
		return
	}

	channels := []string{bus.DriverChannel(driverID), bus.AvailableDrivers}
	if lat, lng, ok := queryCoords(c); ok {
		channels = append(channels, bus.CellChannels(h.geo.KRingAt(lat, lng, h.maxK))...)
	}

	client := h.manager.Connect(driverID, channels...)
	if err := h.drivers.AddTransport(driverID, "sse"); err != nil {
		logger.Warn("sse transport attach failed", zap.String("driver_id", driverID), zap.Error(err))
	}
	h.stream(c, client, func() {
		_ = h.drivers.RemoveTransport(driverID, "sse")
	})
}

// UpdateDriverCells rotates the driver's h3 subscriptions after a cell
// move.
func (h *Handler) UpdateDriverCells(c *gin.Context) {
	driverID, ok := h.resolveOwnDriver(c)
	if !ok {
		return
	}

	lat, lng, ok := queryCoords(c)
	if !ok {
		var body struct {
			Lat float64 `json:"lat" binding:"required"`
			Lng float64 `json:"lng" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			common.AppErrorResponse(c, common.NewValidationError("lat and lng are required"))
			return
		}
		lat, lng = body.Lat, body.Lng
	}

	cells := h.geo.KRingAt(lat, lng, h.maxK)
	updated := h.manager.UpdateCellSubscriptions(driverID, cells)
	common.SuccessResponse(c, gin.H{"streams_updated": updated, "cells": len(cells)})
}

// StreamAdmin attaches an operator to the fleet-wide location feed.
func (h *Handler) StreamAdmin(c *gin.Context) {
	client := h.manager.Connect("", bus.DriverLocations)
	h.stream(c, client, nil)
}

// stream pumps frames until the client goes away. Heartbeat comments
// every 15 s keep intermediaries from closing the idle connection.
func (h *Handler) stream(c *gin.Context, client *Client, onClose func()) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	if lastID := c.GetHeader("Last-Event-ID"); lastID != "" {
		// Replay is best-effort only; there is no durable backlog.
		logger.Debug("sse client reconnected", zap.String("last_event_id", lastID))
	}

	defer func() {
		h.manager.Disconnect(client)
		if onClose != nil {
			onClose()
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-client.Send:
			if !ok {
				return false
			}
			_, err := w.Write(frame)
			return err == nil
		case <-heartbeat.C:
			_, err := w.Write(Heartbeat)
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// resolveOwnDriver maps the path id through the resolver and checks it
// belongs to the caller. Clients may present either id form; channels
// only ever use the resolved driverId.
func (h *Handler) resolveOwnDriver(c *gin.Context) (string, bool) {
	userID := middleware.UserID(c)
	if userID == "" {
		common.AppErrorResponse(c, common.NewUnauthorizedError("missing credentials"))
		return "", false
	}

	driverID, err := h.drivers.ResolveDriverID(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.AppErrorResponse(c, common.NewNotFoundError("driver not found", nil))
		return "", false
	}

	callerID, err := h.drivers.ResolveDriverID(c.Request.Context(), userID)
	if err != nil || callerID != driverID {
		common.AppErrorResponse(c, common.NewForbiddenError("stream belongs to another driver", common.CodeNotParticipant))
		return "", false
	}
	return driverID, true
}

func (h *Handler) isParticipant(c *gin.Context, userID string, ride fireball.Ride) bool {
	if userID == ride.PassengerID {
		return true
	}
	if ride.DriverID == "" {
		return false
	}
	driverID, err := h.drivers.ResolveDriverID(c.Request.Context(), userID)
	return err == nil && driverID == ride.DriverID
}

func queryCoords(c *gin.Context) (float64, float64, bool) {
	latStr, lngStr := c.Query("lat"), c.Query("lng")
	if latStr == "" || lngStr == "" {
		return 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lng, err2 := strconv.ParseFloat(lngStr, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lat, lng, true
}
