package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spektr-org/kpitree/assistant"
	"github.com/spektr-org/kpitree/query"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
}

// GET /api/total-sales?kpi_metric=&table=
func (s *Server) handleTotal(c *gin.Context) {
	table, err := s.allow.Table(c.Query("table"))
	if err != nil {
		s.abort(c, err)
		return
	}
	metric, err := s.allow.Metric(c.Query("kpi_metric"))
	if err != nil {
		s.abort(c, err)
		return
	}

	total, err := s.backend.Total(c.Request.Context(), table, metric)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total})
}

// POST /api/split-data
func (s *Server) handleSplit(c *gin.Context) {
	var req query.SplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorDetail{Detail: "Invalid request body: " + err.Error()})
		return
	}

	valid, err := s.allow.ValidateSplit(req.Table, req.KPIMetric, req.SplitCol, req.Filters)
	if err != nil {
		s.abort(c, err)
		return
	}

	groups, err := s.backend.Split(c.Request.Context(), valid.Table, valid.Metric, valid.Dimension, valid.Filters)
	if err != nil {
		s.abort(c, err)
		return
	}

	rows := make([]query.SplitRow, len(groups))
	for i, g := range groups {
		rows[i] = query.SplitRow{NodeName: g.Key, Value: g.Value}
	}
	c.JSON(http.StatusOK, rows)
}

// GET /api/available-dims
func (s *Server) handleDims(c *gin.Context) {
	dims, err := s.backend.Dimensions(c.Request.Context())
	if err != nil {
		s.abort(c, err)
		return
	}

	// only dimensions a split would accept
	out := make([]string, 0, len(dims))
	for _, d := range dims {
		if canonical, err := s.allow.Dimension(d); err == nil {
			out = append(out, canonical)
		}
	}
	c.JSON(http.StatusOK, gin.H{"dims": out})
}

// POST /api/genie
func (s *Server) handleGenie(c *gin.Context) {
	if s.assistant == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorDetail{Detail: "Assistant not configured"})
		return
	}

	var req assistant.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorDetail{Detail: "Invalid request body: " + err.Error()})
		return
	}

	q := req.ToQuestion()
	if q.Metric != "" {
		metric, err := s.allow.Metric(q.Metric)
		if err != nil {
			s.abort(c, err)
			return
		}
		q.Metric = metric
	}
	for i, seg := range q.Path {
		dim, err := s.allow.Dimension(seg.Dimension)
		if err != nil {
			s.abort(c, err)
			return
		}
		q.Path[i].Dimension = dim
	}

	ans, err := s.assistant.Ask(c.Request.Context(), q)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, assistant.Response{Response: ans.Response, ConversationID: ans.ConversationID})
}

// handleForget drops a conversation. Assistants without history have
// nothing to forget and answer 204 as well.
func (s *Server) handleForget(c *gin.Context) {
	if s.assistant == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorDetail{Detail: "Assistant not configured"})
		return
	}
	if f, ok := s.assistant.(assistant.Forgetter); ok {
		f.Forget(c.Param("id"))
		s.log.Info("conversation forgotten", "conversation", c.Param("id"))
	}
	c.Status(http.StatusNoContent)
}
