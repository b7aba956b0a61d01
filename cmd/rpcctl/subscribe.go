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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage/bidi"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <topic>",
	Short: "Connect, subscribe to a topic, and print every broadcast received",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubscribe,
}

func init() {
	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	topic := args[0]
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")

	client := bidi.NewClient(bidi.ClientConfig{
		URL:            url,
		Token:          token,
		RequestTimeout: 10 * time.Second,
		Reconnect:      bidi.DefaultReconnectPolicy(),
	})

	client.OnEvent(func(e bidi.Event) {
		switch ev := e.(type) {
		case bidi.ConnectedEvent:
			fmt.Fprintln(os.Stderr, "connected")
		case bidi.DisconnectedEvent:
			fmt.Fprintf(os.Stderr, "disconnected: %s\n", ev.Reason)
		case bidi.ReconnectingEvent:
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d)\n", ev.Attempt)
		case bidi.ReconnectionFailedEvent:
			fmt.Fprintln(os.Stderr, "reconnection failed, giving up")
		case bidi.AuthenticationFailedEvent:
			fmt.Fprintf(os.Stderr, "authentication failed: %v\n", ev.Err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	if err := client.Subscribe(topic, func(method string, params json.RawMessage) {
		fmt.Printf("%s: %s\n", method, string(params))
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}
