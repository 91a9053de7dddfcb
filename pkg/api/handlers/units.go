package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unitlink/unitlink/pkg/api/types"
	"github.com/unitlink/unitlink/pkg/host"
)

// UnitsHandler exposes the fleet session manager over REST.
type UnitsHandler struct {
	manager *host.Manager
}

// NewUnitsHandler creates a new units handler
func NewUnitsHandler(manager *host.Manager) *UnitsHandler {
	return &UnitsHandler{manager: manager}
}

// session resolves the :name path parameter, writing the 404 itself.
func (h *UnitsHandler) session(c *gin.Context) (*host.Session, bool) {
	name := c.Param("name")
	sess, ok := h.manager.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "not_found",
			Message: "No open session with that name",
		})
		return nil, false
	}
	return sess, true
}

// writeSessionError maps driver errors onto HTTP statuses.
func writeSessionError(c *gin.Context, err error) {
	var cmdErr *host.CommandError
	switch {
	case errors.Is(err, host.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, types.ErrorResponse{
			Error:   "timeout",
			Message: "Unit did not respond in time",
		})
	case errors.Is(err, host.ErrUnreachable):
		c.JSON(http.StatusGatewayTimeout, types.ErrorResponse{
			Error:   "unreachable",
			Message: "Unit never completed the entry handshake",
		})
	case errors.Is(err, host.ErrClosed):
		c.JSON(http.StatusGone, types.ErrorResponse{
			Error:   "session_closed",
			Message: "Session transport is gone",
		})
	case errors.As(err, &cmdErr):
		c.JSON(http.StatusUnprocessableEntity, types.ErrorResponse{
			Error:   cmdErr.Code,
			Message: cmdErr.Message,
		})
	default:
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "session_error",
			Message: err.Error(),
		})
	}
}

// ListUnits handles GET /units
func (h *UnitsHandler) ListUnits(c *gin.Context) {
	var units []types.UnitSummary
	for _, name := range h.manager.Names() {
		sess, ok := h.manager.Get(name)
		if !ok {
			continue
		}
		summary := types.UnitSummary{
			Name:  name,
			State: sess.State().String(),
		}
		if beacon, at := sess.LastBeacon(); beacon != nil {
			summary.DeviceType = beacon.DeviceType
			summary.UnitID = beacon.UnitID
			summary.Provisioned = beacon.Provisioned
			summary.LastBeacon = at
		}
		units = append(units, summary)
	}

	c.JSON(http.StatusOK, types.ListUnitsResponse{
		Units: units,
		Count: len(units),
	})
}

// OpenUnit handles POST /units
func (h *UnitsHandler) OpenUnit(c *gin.Context) {
	var req types.OpenUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
		})
		return
	}

	sess, err := h.manager.Open(c.Request.Context(), req.Name, req.Addr)
	if err != nil {
		writeSessionError(c, err)
		return
	}

	c.JSON(http.StatusCreated, types.UnitSummary{
		Name:  req.Name,
		State: sess.State().String(),
	})
}

// CloseUnit handles DELETE /units/:name
func (h *UnitsHandler) CloseUnit(c *gin.Context) {
	if err := h.manager.Close(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStatus handles GET /units/:name/status
func (h *UnitsHandler) GetStatus(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	status, err := sess.Status(c.Request.Context())
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.StatusResponse{Unit: sess.Name(), Status: status})
}

// GetCapabilities handles GET /units/:name/capabilities
func (h *UnitsHandler) GetCapabilities(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	manifest, err := sess.Capabilities(c.Request.Context())
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

// ProvisionFactory handles POST /units/:name/provision/factory
func (h *UnitsHandler) ProvisionFactory(c *gin.Context) {
	h.provision(c, true)
}

// ProvisionConsumer handles POST /units/:name/provision/consumer
func (h *UnitsHandler) ProvisionConsumer(c *gin.Context) {
	h.provision(c, false)
}

func (h *UnitsHandler) provision(c *gin.Context, factory bool) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req types.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
		})
		return
	}

	var (
		derived map[string]any
		err     error
	)
	if factory {
		derived, err = sess.ProvisionFactory(c.Request.Context(), req.Fields)
	} else {
		derived, err = sess.ProvisionConsumer(c.Request.Context(), req.Fields)
	}
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.ProvisionResponse{Unit: sess.Name(), Derived: derived})
}

// RunTests handles POST /units/:name/tests/run
func (h *UnitsHandler) RunTests(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req types.RunTestsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
		})
		return
	}

	if req.All {
		results, err := sess.RunAllTests(c.Request.Context())
		if err != nil && len(results) == 0 {
			writeSessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.RunTestsResponse{Unit: sess.Name(), Results: results})
		return
	}

	if req.Capability == "" || req.Test == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "bad_request",
			Message: "capability and test are required unless all=true",
		})
		return
	}

	resp, err := sess.RunTest(c.Request.Context(), req.Capability, req.Test, req.Params)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.RunTestsResponse{
		Unit: sess.Name(),
		Results: []host.TestResult{{
			Capability: req.Capability,
			Test:       req.Test,
			Passed:     resp.OK(),
			ErrorCode:  resp.ErrorCode(),
			Data:       resp.Data,
		}},
	})
}

// Reset handles POST /units/:name/reset
func (h *UnitsHandler) Reset(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	var req types.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Kind != "consumer" && req.Kind != "factory") {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "bad_request",
			Message: `kind must be "consumer" or "factory"`,
		})
		return
	}

	assumed, err := sess.Reset(c.Request.Context(), req.Kind == "factory")
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.ResetResponse{Unit: sess.Name(), Status: "rebooting", Assumed: assumed})
}

// Reboot handles POST /units/:name/reboot
func (h *UnitsHandler) Reboot(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	assumed, err := sess.Reboot(c.Request.Context())
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.ResetResponse{Unit: sess.Name(), Status: "rebooting", Assumed: assumed})
}
