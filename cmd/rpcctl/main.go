// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Command rpcctl is a thin CLI client exercising the generated typed client
// (C7/C8): it dials a running rpcgw gateway, calls a method, or subscribes to
// a topic and prints received notifications until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "rpcctl",
	Short: "rpcctl - a CLI client for the rpcgw bidirectional gateway",
	Long: `rpcctl dials a running rpcgw gateway's WebSocket endpoint and exercises
it the way a typed client generated from a rpcdesc.ServiceDescription would:
call a method and print the result, or subscribe to a topic and print every
broadcast received on it.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("url", "ws://127.0.0.1:8080/ws", "gateway WebSocket URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token to present at connect time")
}
