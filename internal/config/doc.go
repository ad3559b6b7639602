// Package config provides centralized configuration management for the
// Keyward license server. It handles loading configuration from multiple
// sources, validation, and a type-safe API for accessing configuration
// values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of
// precedence:
//
//	1. Environment variables (highest priority)
//	2. An optional YAML configuration file
//	3. Built-in defaults (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern KEYWARD_<SECTION>_<FIELD>:
//
//	KEYWARD_SERVER_PORT=8080
//	KEYWARD_STORE_BACKEND=postgres
//	KEYWARD_STORE_POSTGRES_DSN=postgres://...
//	KEYWARD_LOGGING_LEVEL=info
//	KEYWARD_SECURITY_ADMIN_KEYS=$2a$10$...
//
// The config file location defaults to config.yaml in the working
// directory and can be overridden with KEYWARD_CONFIG.
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Validation
//
// All configuration is validated at load time: the selected store
// backend must carry its connection settings, licensing windows must be
// positive, and admin keys must be bcrypt hashes.
package config
