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

package engine

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/provideplatform/infomesh/audit"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/detector"
	"github.com/provideplatform/infomesh/farming"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
	"github.com/provideplatform/infomesh/trust"
	provide "github.com/provideplatform/provide-go/common"
)

// InstallAPI registers the node API handlers with gin
func InstallAPI(r *gin.Engine, n *Node) {
	trust.InstallAPI(r, n.Trust)
	farming.InstallAPI(r, n.Farming)
	detector.InstallAPI(r, n.Detector)
	audit.InstallAPI(r, n.Scheduler)

	r.GET("/api/v1/peers", listPeersHandler(n))
	r.POST("/api/v1/peers", requireOperator, registerPeerHandler(n))

	r.POST("/api/v1/attestations", createAttestationHandler(n))

	r.GET("/api/v1/merkle/root", latestRootHandler(n))
	r.POST("/api/v1/merkle/root", buildIndexHandler(n))
	r.GET("/api/v1/merkle/roots/:peer_id", peerRootHandler(n))
	r.GET("/api/v1/merkle/proofs/:document_hash", documentProofHandler(n))
}

// requireOperator aborts requests not bearing the configured operator token
func requireOperator(c *gin.Context) {
	if common.OperatorToken == "" {
		provide.RenderError("operator routes are disabled", 403, c)
		c.Abort()
		return
	}

	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || subtle.ConstantTimeCompare([]byte(token), []byte(common.OperatorToken)) != 1 {
		provide.RenderError("unauthorized", 401, c)
		c.Abort()
		return
	}

	c.Next()
}

func renderError(err error, c *gin.Context) {
	status := common.StatusCodeForError(err)
	if errors.Is(err, merkletree.ErrNotBuilt) || errors.Is(err, merkletree.ErrOutOfRange) {
		status = 404
	}
	provide.RenderError(err.Error(), status, c)
}

func listPeersHandler(n *Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		provide.Render(n.Registry.PeerIDs(), 200, c)
	}
}

func registerPeerHandler(n *Node) gin.HandlerFunc {
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

		pubkey, ok := params["public_key"].(string)
		if !ok || pubkey == "" {
			provide.RenderError("public_key required", 422, c)
			return
		}

		raw, err := hex.DecodeString(pubkey)
		if err != nil {
			provide.RenderError("public_key must be hex encoded", 422, c)
			return
		}

		peerID, err := n.Registry.Register(raw)
		if err != nil {
			renderError(err, c)
			return
		}

		provide.Render(map[string]interface{}{
			"peer_id": peerID,
		}, 201, c)
	}
}

func createAttestationHandler(n *Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := &struct {
			URL     string `json:"url"`
			RawBody string `json:"raw_body"`
			Text    string `json:"text"`
		}{}
		if err := json.Unmarshal(buf, params); err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		record, err := n.Attest(params.URL, []byte(params.RawBody), params.Text)
		if err != nil {
			renderError(err, c)
			return
		}
		provide.Render(record, 201, c)
	}
}

func latestRootHandler(n *Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		root, err := n.LatestRoot()
		if err != nil {
			renderError(err, c)
			return
		}
		if root == nil {
			provide.RenderError("no merkle root published", 404, c)
			return
		}
		provide.Render(root, 200, c)
	}
}

func buildIndexHandler(n *Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := c.GetRawData()
		if err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		params := &struct {
			DocumentHashes []string `json:"document_hashes"`
		}{}
		if err := json.Unmarshal(buf, params); err != nil {
			provide.RenderError(err.Error(), 400, c)
			return
		}

		root, err := n.BuildIndex(params.DocumentHashes)
		if err != nil {
			renderError(err, c)
			return
		}
		provide.Render(root, 201, c)
	}
}

func peerRootHandler(n *Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		root := n.PeerRoot(c.Param("peer_id"))
		if root == nil {
			provide.RenderError("no merkle root observed", 404, c)
			return
		}
		provide.Render(root, 200, c)
	}
}

func documentProofHandler(n *Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		proof, err := n.ProveDocument(c.Param("document_hash"))
		if err != nil {
			renderError(err, c)
			return
		}
		provide.Render(proof, 200, c)
	}
}
