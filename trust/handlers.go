/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package trust

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/infomesh/common"
	provide "github.com/provideplatform/provide-go/common"
)

const defaultEventsLimit = 50

// InstallAPI registers the trust API handlers with gin
func InstallAPI(r *gin.Engine, scorer *Scorer) {
	r.GET("/api/v1/trust/:peer_id", trustDetailsHandler(scorer))
	r.GET("/api/v1/trust/:peer_id/events", trustEventsHandler(scorer))
	r.POST("/api/v1/trust/:peer_id/isolate", isolatePeerHandler(scorer))
	r.DELETE("/api/v1/trust/:peer_id/isolate", unisolatePeerHandler(scorer))

	r.GET("/api/v1/isolated", listIsolatedHandler(scorer))
}

func trustDetailsHandler(scorer *Scorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := scorer.Get(c.Param("peer_id"))
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(summary, 200, c)
	}
}

func trustEventsHandler(scorer *Scorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultEventsLimit
		if c.Query("limit") != "" {
			n, err := strconv.Atoi(c.Query("limit"))
			if err != nil || n <= 0 {
				provide.RenderError("invalid limit", 400, c)
				return
			}
			limit = n
		}

		events, err := scorer.Events(c.Param("peer_id"), limit)
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(events, 200, c)
	}
}

func isolatePeerHandler(scorer *Scorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		params := map[string]interface{}{}
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}
		if len(buf) > 0 {
			if err := json.Unmarshal(buf, &params); err != nil {
				provide.RenderError(err.Error(), 400, c)
				return
			}
		}

		reason, _ := params["reason"].(string)
		if reason == "" {
			reason = "operator request"
		}

		if err := scorer.Isolate(c.Param("peer_id"), reason); err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(nil, 204, c)
	}
}

func unisolatePeerHandler(scorer *Scorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := scorer.Unisolate(c.Param("peer_id")); err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(nil, 204, c)
	}
}

func listIsolatedHandler(scorer *Scorer) gin.HandlerFunc {
	return func(c *gin.Context) {
		peers, err := scorer.ListIsolated()
		if err != nil {
			provide.RenderError(err.Error(), common.StatusCodeForError(err), c)
			return
		}
		provide.Render(peers, 200, c)
	}
}
