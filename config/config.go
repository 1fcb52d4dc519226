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
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/bfix/gospel/logger"
)

///////////////////////////////////////////////////////////////////////
// Stack configuration

// StackConfig carries the quota/limit/heartbeat settings of §6's
// "Configuration (enumerated)" table, plus the socket tuning knobs and the
// optional ambient features SPEC_FULL.md adds on top (UPnP, directory
// cache, admin API, at-rest key encryption).
type StackConfig struct {
	Name     string `json:"name"`     // this node's stable textual name
	BaseDir  string `json:"baseDir"`  // key-store home directory
	BindHost string `json:"bindHost"` // listener bind address
	BindPort int    `json:"bindPort"` // listener bind port

	ListenerQuota int `json:"listenerQuota"` // DEFAULT_LISTENER_QUOTA
	SenderQuota   int `json:"senderQuota"`   // DEFAULT_SENDER_QUOTA
	MsgLenLimit   int `json:"msgLenLimit"`   // MSG_LEN_LIMIT
	MaxSockets    int `json:"maxSockets"`    // MAX_SOCKETS, 0 = unbounded

	EnableHeartbeats bool          `json:"enableHeartbeats"` // ENABLE_HEARTBEATS
	HeartbeatFreq    time.Duration `json:"heartbeatFreq"`    // HEARTBEAT_FREQ

	KeepAlive       time.Duration `json:"keepAlive"`       // TCP keepalive period
	QueueLength     int           `json:"queueLength"`     // internal per-socket queue length
	Restricted      bool          `json:"restricted"`      // start in restricted mode
	ListenerOnly    bool          `json:"listenerOnly"`    // §9 "listener-only" mode
	UseUPnP         bool          `json:"useUPnP"`         // SPEC_FULL.md §4.12
	DirectorySpec   string        `json:"directorySpec"`   // SPEC_FULL.md §4.9
	DiscoveryServer string        `json:"discoveryServer"` // SPEC_FULL.md §4.10, "host:53", empty disables it
	AdminAddr       string        `json:"adminAddr"`       // SPEC_FULL.md §4.11
	Passphrase      string        `json:"passphrase"`      // SPEC_FULL.md §4.1 addendum
}

// Defaults returns the stock settings: 32-frame listener and sender
// quotas, a 64 KiB message limit, no socket ceiling, heartbeats every
// 30s, a 60s TCP keepalive and 1000-entry socket queues.
func Defaults() *StackConfig {
	return &StackConfig{
		ListenerQuota:    32,
		SenderQuota:      32,
		MsgLenLimit:      65536,
		MaxSockets:       0,
		EnableHeartbeats: true,
		HeartbeatFreq:    30 * time.Second,
		KeepAlive:        60 * time.Second,
		QueueLength:      1000,
	}
}

///////////////////////////////////////////////////////////////////////

// Environ holds string substitutions applied to every string field of a
// parsed Config, the same `${VAR}` mechanism the teacher's config loader
// implements.
type Environ map[string]string

// Config is the aggregated configuration for a stack instance.
type Config struct {
	Env   Environ      `json:"environ"`
	Stack *StackConfig `json:"stack"`
}

var (
	// Cfg is the global configuration.
	Cfg *Config
)

// ParseConfig parses a JSON-encoded configuration file and maps it to the
// Config data structure, applying `${VAR}` substitutions from its own
// `environ` block afterwards.
func ParseConfig(fileName string) (err error) {
	file, err := ioutil.ReadFile(fileName)
	if err != nil {
		return
	}
	Cfg = &Config{Stack: Defaults()}
	if err = json.Unmarshal(file, Cfg); err == nil {
		applySubstitutions(Cfg, Cfg.Env)
	}
	return
}

var (
	rx = regexp.MustCompile("\\$\\{([^\\}]*)\\}")
)

// substString is a helper function to substitute environment variables
// with actual values.
func substString(s string, env map[string]string) string {
	matches := rx.FindAllStringSubmatch(s, -1)
	for _, m := range matches {
		if len(m[1]) != 0 {
			subst, ok := env[m[1]]
			if !ok {
				continue
			}
			s = strings.Replace(s, "${"+m[1]+"}", subst, -1)
		}
	}
	return s
}

// applySubstitutions traverses the configuration data structure
// and applies string substitutions to all string values.
func applySubstitutions(x interface{}, env map[string]string) {

	var process func(v reflect.Value)
	process = func(v reflect.Value) {
		for i := 0; i < v.NumField(); i++ {
			fld := v.Field(i)
			if fld.CanSet() {
				switch fld.Kind() {
				case reflect.String:
					// check for substitution
					s := fld.Interface().(string)
					for {
						s1 := substString(s, env)
						if s1 == s {
							break
						}
						logger.Printf(logger.DBG, "[config] %s --> %s\n", s, s1)
						fld.SetString(s1)
						s = s1
					}

				case reflect.Struct:
					// handle nested struct
					process(fld)

				case reflect.Ptr:
					// handle pointer
					e := fld.Elem()
					if e.IsValid() {
						process(fld.Elem())
					} else {
						logger.Printf(logger.ERROR, "[config] 'nil' pointer encountered")
					}
				}
			}
		}
	}
	// start processing at the top-level structure
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Ptr:
		// indirect top-level
		e := v.Elem()
		if e.IsValid() {
			process(e)
		} else {
			logger.Printf(logger.ERROR, "[config] 'nil' pointer encountered")
		}
	case reflect.Struct:
		// direct top-level
		process(v)
	}
}
