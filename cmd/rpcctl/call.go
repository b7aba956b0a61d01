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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage/bidi"
)

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <method> [json-params]",
	Short: "Connect, issue a single JSON-RPC call, print the result, and exit",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runCall,
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]
	var params json.RawMessage
	if len(args) == 2 {
		params = json.RawMessage(args[1])
	} else {
		params = json.RawMessage(`{}`)
	}

	client, err := connectClient(cmd, callTimeout)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	result, err := client.Call(ctx, method, params)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	fmt.Println(string(result))
	return nil
}

// connectClient builds and connects a bidi.Client using the --url/--token
// persistent flags shared by every rpcctl subcommand.
func connectClient(cmd *cobra.Command, requestTimeout time.Duration) (*bidi.Client, error) {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	client := bidi.NewClient(bidi.ClientConfig{
		URL:            url,
		Token:          token,
		RequestTimeout: requestTimeout,
		Reconnect:      bidi.DefaultReconnectPolicy(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return client, nil
}
