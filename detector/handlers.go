package detector

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/infomesh/common"
	provide "github.com/provideplatform/provide-go/common"
)

// InstallAPI registers the threat assessment API handlers with gin
func InstallAPI(r *gin.Engine, detector *Detector) {
	r.POST("/api/v1/threats/:peer_id", assessHandler(detector))
}

func assessHandler(detector *Detector) gin.HandlerFunc {
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
		enforce, _ := params["enforce"].(bool)

		var assessment *ThreatAssessment
		if enforce {
			assessment, err = detector.AssessAndEnforce(c.Param("peer_id"), action)
		} else {
			assessment, err = detector.Assess(c.Param("peer_id"), action)
		}
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(assessment, 200, c)
	}
}
