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
	"fmt"
	"net/url"
	"os"

	"github.com/golang-migrate/migrate"
	_ "github.com/golang-migrate/migrate/database/postgres"
	_ "github.com/golang-migrate/migrate/source/file"
	dbconf "github.com/kthomas/go-db-config"
	"github.com/provideplatform/infomesh/common"
)

const defaultMigrationsSource = "file://./ops/migrations"

func migrationsSource() string {
	if os.Getenv("DATABASE_MIGRATIONS_SOURCE") != "" {
		return os.Getenv("DATABASE_MIGRATIONS_SOURCE")
	}
	return defaultMigrationsSource
}

func databaseURL(cfg *dbconf.DBConfig) string {
	sslMode := cfg.DatabaseSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%v/%s?sslmode=%s",
		url.QueryEscape(cfg.DatabaseUser),
		url.QueryEscape(cfg.DatabasePassword),
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseName,
		sslMode,
	)
}

func main() {
	cfg := dbconf.GetDBConfig()

	m, err := migrate.New(migrationsSource(), databaseURL(cfg))
	if err != nil {
		common.Log.Warningf("migrations failed: %s", err.Error())
		panic(err)
	}
	defer m.Close()

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		common.Log.Warningf("migrations failed: %s", err.Error())
		panic(err)
	}

	common.Log.Debugf("migrations applied to database %s", cfg.DatabaseName)
}
