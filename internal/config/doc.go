// Package config provides centralized configuration management for the
// ChainGuard daemon. It loads a JSON configuration file, applies defaults
// relative to the file's directory, and exposes typed sections for the
// guard, its storage backends, and the API server.
package config
