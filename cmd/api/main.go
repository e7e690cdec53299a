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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/engine"
	"github.com/provideplatform/infomesh/identity"
)

const runloopSleepInterval = 250 * time.Millisecond
const runloopTickInterval = 5000 * time.Millisecond
const pruneInterval = time.Hour
const shutdownTimeout = 10 * time.Second

var (
	cancelF     context.CancelFunc
	closing     bool
	shutdownCtx context.Context
	sigs        chan os.Signal

	node *engine.Node
	srv  *http.Server
	wg   sync.WaitGroup
)

func main() {
	common.Log.Debugf("starting infomesh node")
	installSignalHandlers()

	var err error
	node, err = initNode()
	if err != nil {
		common.Log.Warningf("failed to initialize infomesh node; %s", err.Error())
		panic(err)
	}

	if common.ConsumeNATSStreamingSubscriptions {
		node.Subscribe(&wg)
	}

	go node.Scheduler.Run(shutdownCtx, node.AuditCycle)
	go runPruner(shutdownCtx)

	runAPI()

	timer := time.NewTicker(runloopTickInterval)
	defer timer.Stop()

	for !shuttingDown() {
		select {
		case <-timer.C:
			// tick... no-op
		case sig := <-sigs:
			common.Log.Debugf("received signal: %s", sig)
			shutdown()
		case <-shutdownCtx.Done():
			close(sigs)
		default:
			time.Sleep(runloopSleepInterval)
		}
	}

	common.Log.Debug("exiting infomesh node")
	cancelF()
}

func initNode() (*engine.Node, error) {
	keyPair, err := identity.LoadOrGenerateKeyPair(common.KeyPath)
	if err != nil {
		return nil, err
	}

	if common.PersistState {
		return engine.NewDurable(dbconf.DatabaseConnection(), keyPair, engine.NewHTTPFetcher())
	}

	common.Log.Warningf("no database configured; infomesh node %s will keep its state in memory", common.ShortPeerID(keyPair.PeerID))
	return engine.New(keyPair, engine.NewHTTPFetcher())
}

func installSignalHandlers() {
	common.Log.Debug("installing signal handlers for infomesh node")
	sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancelF = context.WithCancel(context.Background())
}

func runPruner(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := node.Prune()
			if err != nil {
				common.Log.Warningf("failed to prune farming history; %s", err.Error())
				continue
			}
			common.Log.Debugf("pruned %d farming actions", pruned)
		}
	}
}

func runAPI() {
	r := gin.Default()

	r.GET("/status", statusHandler)
	engine.InstallAPI(r, node)

	srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%s", common.ListenPort),
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Log.Warningf("failed to start infomesh API listener; %s", err.Error())
			panic(err)
		}
	}()

	common.Log.Debugf("listening on %s", srv.Addr)
}

func statusHandler(c *gin.Context) {
	c.JSON(200, gin.H{
		"peer_id": node.KeyPair.PeerID,
		"peers":   node.Registry.Len(),
	})
}

func shutdown() {
	if closing {
		return
	}
	closing = true

	common.Log.Debug("shutting down infomesh node")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		common.Log.Warningf("failed to gracefully shut down API listener; %s", err.Error())
	}
	cancelF()
}

func shuttingDown() bool {
	return closing || shutdownCtx.Err() != nil
}
