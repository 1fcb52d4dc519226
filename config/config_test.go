// This file is part of gnunet-go, a GNUnet-implementation in Golang.
// Copyright (C) 2019, 2020 Bernd Fix  >Y<
//
// gnunet-go is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// gnunet-go is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package config

import (
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/bfix/gospel/logger"
)

const testConfigJSON = `{
	"environ": {
		"BASE": "/var/lib/pstack"
	},
	"stack": {
		"name": "node-a",
		"baseDir": "${BASE}/keys",
		"bindHost": "127.0.0.1",
		"bindPort": 9001,
		"listenerQuota": 16,
		"senderQuota": 16,
		"msgLenLimit": 65536,
		"heartbeatFreq": 30000000000,
		"keepAlive": 60000000000,
		"queueLength": 1000,
		"directorySpec": "sqlite3:${BASE}/directory.db"
	}
}`

func TestConfigRead(t *testing.T) {
	logger.SetLogLevel(logger.WARN)

	dir := t.TempDir()
	file := filepath.Join(dir, "pstack-config.json")
	if err := ioutil.WriteFile(file, []byte(testConfigJSON), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ParseConfig(file); err != nil {
		t.Fatal(err)
	}
	if Cfg.Stack.BaseDir != "/var/lib/pstack/keys" {
		t.Fatalf("expected ${BASE} to be substituted, got %q", Cfg.Stack.BaseDir)
	}
	if Cfg.Stack.DirectorySpec != "sqlite3:/var/lib/pstack/directory.db" {
		t.Fatalf("expected substitution inside directorySpec, got %q", Cfg.Stack.DirectorySpec)
	}
	if _, err := json.Marshal(Cfg); err != nil {
		t.Fatal(err)
	}
}
