// This file is part of gnunet-go, a GNUnet-implementation in Golang.
// Copyright (C) 2022 Bernd Fix  >Y<
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

package transport

import (
	"github.com/bfix/gospel/logger"
	"github.com/bfix/gospel/network"
)

//----------------------------------------------------------------------
// Package local reference to PortMapper instance

var upnpManager *network.PortMapper

func init() {
	upnpManager, _ = network.NewPortMapper("pstack")
}

// MaybeForwardPort asks the local router to forward "tcp"/port to this
// host via UPnP, when enabled (SPEC_FULL.md §4.12). It is best-effort:
// failures are logged, never returned as fatal, since a node without a
// UPnP-capable router is still fully functional for peers that can reach
// it directly.
func MaybeForwardPort(enabled bool, port int) {
	if !enabled || upnpManager == nil {
		return
	}
	id, local, remote, err := upnpManager.Assign("tcp", port)
	if err != nil {
		logger.Printf(logger.WARN, "[transport] UPnP port mapping failed: %v\n", err)
		return
	}
	logger.Printf(logger.INFO, "[transport] UPnP mapped %s (local=%s, remote=%s)\n", id, local, remote)
}
