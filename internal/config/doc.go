// SPDX-License-Identifier: MPL-2.0

// Package config handles the user configuration using Viper with TOML as the
// file format.
//
// Configuration is loaded from <apex home>/config.toml, where the apex home is
// $APEX_HOME or ~/.apex. Environment variables prefixed with APEX_ override
// file values (APEX_REGISTRY_DEFAULT, APEX_AUTH_TOKEN, APEX_AUTH_USERNAME).
// Writes go through go-toml and replace the file atomically.
package config
