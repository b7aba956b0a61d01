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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/sage/config"
	"github.com/sage-x-project/sage/identity/local"
	"github.com/sage-x-project/sage/internal/logger"
)

var (
	addUserConfigDir string
	addUserEmail     string
	addUserDisplay   string
)

var addUserCmd = &cobra.Command{
	Use:   "adduser <username> <password>",
	Short: "Add a local-provider user to the gateway's user store",
	Args:  cobra.ExactArgs(2),
	RunE:  runAddUser,
}

func init() {
	addUserCmd.Flags().StringVar(&addUserConfigDir, "config-dir", "config", "directory containing environment config files")
	addUserCmd.Flags().StringVar(&addUserEmail, "email", "", "optional email to record on the user")
	addUserCmd.Flags().StringVar(&addUserDisplay, "display-name", "", "optional display name to record on the user")
	rootCmd.AddCommand(addUserCmd)
}

func runAddUser(cmd *cobra.Command, args []string) error {
	username, password := args[0], args[1]

	cfg, err := config.Load(config.LoaderOptions{ConfigDir: addUserConfigDir, DotEnvPath: ".env"})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewDefaultLogger()
	ctx := context.Background()

	userStore, _, closeStores, err := wireStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	var email, displayName *string
	if addUserEmail != "" {
		email = &addUserEmail
	}
	if addUserDisplay != "" {
		displayName = &addUserDisplay
	}

	provider := local.New(userStore)
	if err := provider.AddUser(ctx, username, password, email, displayName); err != nil {
		return fmt.Errorf("add user: %w", err)
	}

	fmt.Printf("added user %q\n", username)
	return nil
}
