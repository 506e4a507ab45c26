package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/sessions"
)

type sessionsResp struct {
	Count    int             `json:"count"`
	Sessions []sessions.Info `json:"sessions"`
}

// ListSessions serves the live session table for operators.
func ListSessions(tracker *sessions.Tracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := tracker.List()
		if list == nil {
			list = []sessions.Info{}
		}
		c.JSON(http.StatusOK, sessionsResp{Count: len(list), Sessions: list})
	}
}
