// Package config provides configuration management for the game relay.
//
// Configuration is read from $HOME/.go-gamerelay/config.yaml (created with
// defaults on first run) or from an explicit file passed on the command
// line. Every option has a viper default, so a missing or partial file is
// fine.
//
// ServerName deserves care in multi-instance deployments: generated session
// names embed it, and two relays sharing one database must not share a
// name or their sessions will collide.
package config
