package farming

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/infomesh/common"
	provide "github.com/provideplatform/provide-go/common"
)

// InstallAPI registers the farming API handlers with gin
func InstallAPI(r *gin.Engine, detector *Detector) {
	r.GET("/api/v1/farming/:peer_id", farmingStatusHandler(detector))
	r.POST("/api/v1/farming/:peer_id/check", farmingCheckHandler(detector))
	r.DELETE("/api/v1/farming/:peer_id/block", unblockHandler(detector))
}

func farmingStatusHandler(detector *Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := detector.Status(c.Param("peer_id"))
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(status, 200, c)
	}
}

func farmingCheckHandler(detector *Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := map[string]interface{}{}
		if err := json.Unmarshal(buf, &params); err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		action, _ := params["action"].(string)
		if action == "" {
			provide.RenderError("action is required", 422, c)
			return
		}

		result, err := detector.Check(c.Param("peer_id"), action)
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(result, 200, c)
	}
}

func unblockHandler(detector *Detector) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := detector.Unblock(c.Param("peer_id")); err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(nil, 204, c)
	}
}
