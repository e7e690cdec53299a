package audit

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/infomesh/common"
	provide "github.com/provideplatform/provide-go/common"
)

const defaultHistoryPageSize = 25

// InstallAPI registers the audit API handlers with gin
func InstallAPI(r *gin.Engine, scheduler *Scheduler) {
	r.GET("/api/v1/audits", listAuditsHandler(scheduler))
	r.GET("/api/v1/audits/pending", pendingAuditsHandler(scheduler))
	r.GET("/api/v1/audits/:id", auditDetailsHandler(scheduler))
	r.POST("/api/v1/audits/:id/results", submitResultHandler(scheduler))
}

func listAuditsHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultHistoryPageSize
		if c.Query("limit") != "" {
			n, err := strconv.Atoi(c.Query("limit"))
			if err != nil || n <= 0 {
				provide.RenderError("invalid limit", 400, c)
				return
			}
			limit = n
		}

		summaries, err := scheduler.History(c.Query("peer_id"), limit)
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(summaries, 200, c)
	}
}

func pendingAuditsHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		provide.Render(scheduler.Pending(), 200, c)
	}
}

func auditDetailsHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := scheduler.history.Get(c.Param("id"))
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		if summary == nil {
			provide.RenderError("audit not found", 404, c)
			return
		}
		provide.Render(summary, 200, c)
	}
}

func submitResultHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		result := &AuditResult{}
		if err := json.Unmarshal(buf, result); err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}
		if result.AuditID == "" {
			result.AuditID = c.Param("id")
		} else if result.AuditID != c.Param("id") {
			provide.RenderError("audit id mismatch", 422, c)
			return
		}

		summary, err := scheduler.SubmitResult(result)
		if err != nil {
			status := common.StatusCodeForError(err)
			if errors.Is(err, ErrUnknownAudit) {
				status = 404
			}
			provide.RenderError(err.Error(), status, c)
			return
		}

		if summary == nil {
			provide.Render(nil, 202, c)
			return
		}
		provide.Render(summary, 201, c)
	}
}
