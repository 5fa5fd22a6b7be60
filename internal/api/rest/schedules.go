package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultOperationsLimit = 50

// ScheduleRequest is the body of create and edit. The trigger time is
// given either as minutes since midnight or as clock text ("7:00 AM").
type ScheduleRequest struct {
	Name    string                             `json:"name" binding:"required"`
	Days    uint8                              `json:"days"`
	Minutes *int                               `json:"minutes"`
	Time    string                             `json:"time"`
	Enabled *bool                              `json:"enabled"`
	Actions map[string]schedule.DeviceActions `json:"actions"`
}

func (r *ScheduleRequest) trigger() (schedule.Trigger, error) {
	t := schedule.Trigger{Days: r.Days}
	switch {
	case r.Time != "":
		m, err := schedule.ParseClock(r.Time)
		if err != nil {
			return t, err
		}
		t.Minutes = m
	case r.Minutes != nil:
		t.Minutes = *r.Minutes
	default:
		return t, errors.New("either minutes or time is required")
	}
	return t, t.Validate()
}

// scheduleView is a schedule as listed to users.
type scheduleView struct {
	*schedule.Schedule
	Key        string `json:"key"`
	Summary    string `json:"summary"`
	TimeText   string `json:"time_text"`
	ActionList string `json:"action_list"`
	State      string `json:"state"`
}

func (s *Server) view(sch *schedule.Schedule) scheduleView {
	return scheduleView{
		Schedule:   sch,
		Key:        sch.DisplayKey(),
		Summary:    sch.Trigger.Summary(),
		TimeText:   sch.Trigger.TimeText(),
		ActionList: schedule.DescribeActions(sch, s.lm.Nodes().Node),
		State:      s.lm.Schedules().Store().State(sch.ID).String(),
	}
}

func (s *Server) resultBody(res *schedule.Result) gin.H {
	body := gin.H{
		"message":      res.Message(),
		"operation":    res.Operation,
		"nodes_failed": res.NodesFailed,
		"succeeded":    res.Succeeded,
	}
	if res.Schedule != nil {
		body["schedule"] = s.view(res.Schedule)
	}
	if detail := res.Detail(); detail != "" {
		body["detail"] = detail
	}
	return body
}

// writeScheduleError maps reconciler errors onto HTTP responses.
func (s *Server) writeScheduleError(c *gin.Context, op schedule.Operation, err error) {
	var (
		fanOut     *schedule.FanOutError
		capability *schedule.CapabilityError
		parseErr   *cloud.ParsingError
		serverErr  *cloud.ServerError
	)

	switch {
	case errors.Is(err, cloud.ErrEmptyToken):
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.CodeCloudUnauthorized, cloud.Describe(err), nil))
	case errors.Is(err, cloud.ErrNoNetwork):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeCloudUnavailable, cloud.Describe(err), nil))
	case errors.Is(err, schedule.ErrNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeScheduleNotFound, "Schedule not found", err.Error()))
	case errors.Is(err, schedule.ErrBusy):
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeScheduleBusy, err.Error(), nil))
	case errors.Is(err, schedule.ErrInvalidName),
		errors.Is(err, schedule.ErrInvalidTrigger),
		errors.Is(err, schedule.ErrNoActions),
		errors.Is(err, schedule.ErrUnknownParam),
		errors.Is(err, schedule.ErrUnknownNode):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, err.Error(), nil))
	case errors.As(err, &capability):
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.CodeScheduleRejected, err.Error(), gin.H{
			"node_id": capability.NodeID,
			"status":  capability.Status,
		}))
	case errors.As(err, &fanOut):
		c.JSON(http.StatusBadGateway, types.NewErrorResponse(types.CodeScheduleNodesFailed, schedule.FailureMessage(op, err), fanOut.Detail()))
	case errors.As(err, &parseErr), errors.As(err, &serverErr):
		c.JSON(http.StatusBadGateway, types.NewErrorResponse(types.CodeCloudBadResponse, cloud.Describe(err), nil))
	default:
		s.logger.Error("Schedule operation failed", zap.String("operation", string(op)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeScheduleInternal, schedule.FailureMessage(op, err), err.Error()))
	}
}

// GET /api/v1/schedules
func (s *Server) listSchedules(c *gin.Context) {
	list := s.lm.Schedules().Store().List()
	views := make([]scheduleView, 0, len(list))
	for _, sch := range list {
		views = append(views, s.view(sch))
	}

	stale, fetchedAt := s.lm.Nodes().Stale()
	c.JSON(http.StatusOK, gin.H{
		"schedules":  views,
		"count":      len(views),
		"stale":      stale,
		"fetched_at": fetchedAt,
	})
}

// GET /api/v1/schedules/:id
func (s *Server) getSchedule(c *gin.Context) {
	sch, ok := s.lm.Schedules().Store().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeScheduleNotFound, "Schedule not found", nil))
		return
	}
	c.JSON(http.StatusOK, s.view(sch))
}

// GET /api/v1/schedules/devices?schedule_id=
func (s *Server) availableDevices(c *gin.Context) {
	var draft *schedule.Schedule
	if id := c.Query("schedule_id"); id != "" {
		sch, ok := s.lm.Schedules().Store().Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeScheduleNotFound, "Schedule not found", nil))
			return
		}
		draft = sch
	}

	devices := schedule.AvailableDevices(s.lm.Nodes().ListNodes(), draft)
	c.JSON(http.StatusOK, gin.H{
		"devices":     devices,
		"count":       len(devices),
		"action_list": schedule.ActionList(devices),
	})
}

// POST /api/v1/schedules
func (s *Server) createSchedule(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, "Invalid request body", err.Error()))
		return
	}
	trigger, err := req.trigger()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, "Invalid trigger", err.Error()))
		return
	}

	// The reconciler assigns the id of a new schedule.
	draft := &schedule.Schedule{
		Name:    req.Name,
		Trigger: trigger,
		Enabled: req.Enabled == nil || *req.Enabled,
		Actions: req.Actions,
	}

	res, err := s.lm.Schedules().Save(c.Request.Context(), draft)
	if err != nil {
		s.writeScheduleError(c, schedule.OpAdd, err)
		return
	}
	c.JSON(http.StatusCreated, s.resultBody(res))
}

// PUT /api/v1/schedules/:id
func (s *Server) updateSchedule(c *gin.Context) {
	id := c.Param("id")
	stored, ok := s.lm.Schedules().Store().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeScheduleNotFound, "Schedule not found", nil))
		return
	}

	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, "Invalid request body", err.Error()))
		return
	}
	trigger, err := req.trigger()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, "Invalid trigger", err.Error()))
		return
	}

	draft := stored.Clone()
	draft.Name = req.Name
	draft.Trigger = trigger
	if req.Enabled != nil {
		draft.Enabled = *req.Enabled
	}
	if req.Actions != nil {
		draft.Actions = req.Actions
	}

	res, err := s.lm.Schedules().Save(c.Request.Context(), draft)
	if err != nil {
		s.writeScheduleError(c, schedule.OpEdit, err)
		return
	}
	c.JSON(http.StatusOK, s.resultBody(res))
}

// DELETE /api/v1/schedules/:id
func (s *Server) deleteSchedule(c *gin.Context) {
	res, err := s.lm.Schedules().Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeScheduleError(c, schedule.OpRemove, err)
		return
	}
	c.JSON(http.StatusOK, s.resultBody(res))
}

type RemoveNodesRequest struct {
	NodeIDs []string `json:"node_ids" binding:"required,min=1"`
}

// POST /api/v1/schedules/:id/remove-nodes
func (s *Server) removeScheduleNodes(c *gin.Context) {
	sch, ok := s.lm.Schedules().Store().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeScheduleNotFound, "Schedule not found", nil))
		return
	}

	var req RemoveNodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, "Invalid request body", err.Error()))
		return
	}

	res, err := s.lm.Schedules().DeleteNodes(c.Request.Context(), sch, req.NodeIDs)
	if err != nil {
		s.writeScheduleError(c, schedule.OpRemove, err)
		return
	}
	c.JSON(http.StatusOK, s.resultBody(res))
}

// POST /api/v1/schedules/:id/enable
func (s *Server) enableSchedule(c *gin.Context) {
	s.setEnabled(c, true)
}

// POST /api/v1/schedules/:id/disable
func (s *Server) disableSchedule(c *gin.Context) {
	s.setEnabled(c, false)
}

func (s *Server) setEnabled(c *gin.Context, enabled bool) {
	op := schedule.OpDisable
	if enabled {
		op = schedule.OpEnable
	}
	res, err := s.lm.Schedules().SetEnabled(c.Request.Context(), c.Param("id"), enabled)
	if err != nil {
		s.writeScheduleError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, s.resultBody(res))
}

// POST /api/v1/schedules/refresh
func (s *Server) refreshSchedules(c *gin.Context) {
	err := s.lm.Schedules().Refresh(c.Request.Context())
	stale, fetchedAt := s.lm.Nodes().Stale()

	// Offline with a cache: the cached view is still served.
	if err != nil && !(stale && errors.Is(err, cloud.ErrNoNetwork)) {
		s.writeScheduleError(c, schedule.OpNone, err)
		return
	}

	body := gin.H{
		"count":      s.lm.Schedules().Store().Len(),
		"stale":      stale,
		"fetched_at": fetchedAt,
	}
	if err != nil {
		body["warning"] = cloud.Describe(err)
	}
	c.JSON(http.StatusOK, body)
}

// GET /api/v1/schedules/:id/operations
func (s *Server) listOperations(c *gin.Context) {
	history := s.lm.Operations()
	if history == nil {
		c.JSON(http.StatusOK, gin.H{"operations": []any{}, "count": 0})
		return
	}

	limit := defaultOperationsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScheduleBadRequest, "Invalid limit", raw))
			return
		}
		limit = n
	}

	ops, err := history.ListOperations(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeScheduleInternal, "Failed to list operations", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}
