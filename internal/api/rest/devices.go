package rest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	fleet := s.lm.Fleet()
	devices := fleet.Devices()

	response := make([]gin.H, 0, len(devices))
	for _, device := range devices {
		entry := gin.H{
			"key":     device.Key,
			"name":    device.Name,
			"group":   device.Group,
			"mode":    device.Mode,
			"address": device.Address.String(),
		}
		if snap, ok := fleet.Latest(device.Key); ok {
			entry["state"] = snap
		}
		response = append(response, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// GET /api/v1/devices/:key
func (s *Server) getDevice(c *gin.Context) {
	device, ok := s.device(c)
	if !ok {
		return
	}

	response := gin.H{"device": device}
	if snap, ok := s.lm.Fleet().Latest(device.Key); ok {
		response["state"] = snap
	}
	c.JSON(http.StatusOK, response)
}

// POST /api/v1/devices/:key/target
//
// Writes the target register and waits for the result. The address defaults
// to the device's configured target register.
func (s *Server) setTarget(c *gin.Context) {
	device, ok := s.device(c)
	if !ok {
		return
	}

	var req struct {
		Value   *uint16 `json:"value" binding:"required"`
		Address *uint16 `json:"address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	addr := req.Address
	if addr == nil && device.Layout.Target != nil {
		abs := int(device.HoldingOffset) + int(*device.Layout.Target)
		if abs > math.MaxUint16 {
			c.JSON(http.StatusConflict, types.NewErrorResponse("DEVICE_409", "Target register out of range",
				fmt.Sprintf("device %s: register %d", device.Key, abs)))
			return
		}
		v := uint16(abs)
		addr = &v
	}
	if addr == nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse("DEVICE_409", "Target register not configured",
			fmt.Sprintf("device %s: %v", device.Key, types.ErrNoRegister)))
		return
	}

	if err := s.lm.DeviceWriter().WriteRegister(c.Request.Context(), device, *addr, *req.Value); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, types.ErrDeviceUnreachable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, types.NewErrorResponse("DEVICE_WRITE", "Failed to write target", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device":  device.Key,
		"address": *addr,
		"value":   *req.Value,
	})
}

// POST /api/v1/devices/:key/reset
func (s *Server) resetCounter(c *gin.Context) {
	s.pulse(c, "reset", func(d types.DeviceConfig) *uint16 { return d.CoilReset })
}

// POST /api/v1/devices/:key/end-shift
func (s *Server) endShift(c *gin.Context) {
	s.pulse(c, "end-shift", func(d types.DeviceConfig) *uint16 { return d.CoilEndShift })
}

// pulse answers 202 and sends the coil pulse in the background.
func (s *Server) pulse(c *gin.Context, action string, coil func(types.DeviceConfig) *uint16) {
	device, ok := s.device(c)
	if !ok {
		return
	}

	addr := coil(device)
	if addr == nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse("DEVICE_409", "Coil not configured",
			fmt.Sprintf("device %s: %s: %v", device.Key, action, types.ErrNoRegister)))
		return
	}

	writer := s.lm.DeviceWriter()
	coilAddr := *addr
	s.detach(action, device.Key, func(ctx context.Context) error {
		return writer.PulseCoil(ctx, device, coilAddr)
	})

	s.logger.Info("Coil pulse requested",
		zap.String("action", action),
		zap.String("device", device.Key),
		zap.Uint16("coil", coilAddr))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Pulse scheduled",
		"device":  device.Key,
		"coil":    coilAddr,
	})
}

func (s *Server) device(c *gin.Context) (types.DeviceConfig, bool) {
	key := c.Param("key")
	device, ok := s.lm.Fleet().Device(key)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found",
			fmt.Sprintf("%v: %s", types.ErrUnknownDevice, key)))
		return types.DeviceConfig{}, false
	}
	return device, true
}
