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


package config

// ValidationIssue is one finding from ValidateConfiguration. Level "error"
// fails Load; "warning" is surfaced to the caller but does not.
type ValidationIssue struct {
	Field   string
	Message string
	Level   string
}

// ValidateConfiguration checks cfg for values that would make the gateway
// refuse to start or behave insecurely in production.
func ValidateConfiguration(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Auth != nil && cfg.Auth.JWTSecret == "" {
		level := "warning"
		if IsProduction() {
			level = "error"
		}
		issues = append(issues, ValidationIssue{
			Field:   "auth.jwt_secret",
			Message: "no JWT signing secret configured",
			Level:   level,
		})
	}

	if cfg.Postgres != nil && cfg.Postgres.Enabled && cfg.Postgres.DSN == "" {
		issues = append(issues, ValidationIssue{
			Field:   "postgres.dsn",
			Message: "postgres enabled but no DSN configured",
			Level:   "error",
		})
	}

	if cfg.Server != nil && cfg.Server.ListenAddr == "" {
		issues = append(issues, ValidationIssue{
			Field:   "server.listen_addr",
			Message: "no listen address configured",
			Level:   "error",
		})
	}

	return issues
}
