package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"github.com/KevinKickass/OpenScheduleCore/internal/types"
	"github.com/gin-gonic/gin"
)

// nodeView is a node without its raw schedule array.
type nodeView struct {
	types.Node
	Reachable bool `json:"reachable"`
}

func newNodeView(n types.Node) nodeView {
	n.Schedules = nil
	return nodeView{Node: n, Reachable: n.Reachable()}
}

// GET /api/v1/nodes
func (s *Server) listNodes(c *gin.Context) {
	nodes := s.lm.Nodes().ListNodes()

	response := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		response = append(response, newNodeView(n))
	}

	stale, fetchedAt := s.lm.Nodes().Stale()
	c.JSON(http.StatusOK, gin.H{
		"nodes":      response,
		"count":      len(response),
		"stale":      stale,
		"fetched_at": fetchedAt,
	})
}

// GET /api/v1/nodes/:id
func (s *Server) getNode(c *gin.Context) {
	node, ok := s.lm.Nodes().Node(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNodeNotFound, "Node not found", nil))
		return
	}
	c.JSON(http.StatusOK, newNodeView(*node))
}

// POST /api/v1/nodes/:id/refresh
func (s *Server) refreshNode(c *gin.Context) {
	id := c.Param("id")
	if err := s.lm.Schedules().RefreshNode(c.Request.Context(), id); err != nil {
		s.writeScheduleError(c, schedule.OpNone, err)
		return
	}

	node, ok := s.lm.Nodes().Node(id)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNodeNotFound, "Node not found", nil))
		return
	}
	c.JSON(http.StatusOK, newNodeView(*node))
}
