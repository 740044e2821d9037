/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds the assembled runtime options of the warden-api
// binary. Flags and environment fallbacks live in cmd/warden-api; this
// package only carries the result.
package config

import (
	"errors"
	"time"
)

// Options holds all configuration options for warden-api.
type Options struct {
	// APIAddr is the address the tenant and admin API binds to.
	APIAddr string

	// HealthAddr is the address the health and readiness probes bind to.
	HealthAddr string

	// MetricsAddr is the address the Prometheus endpoint binds to.
	MetricsAddr string

	// PostgresConn is the Postgres DSN. Empty selects the in-memory store,
	// which keeps nothing across restarts and is for development only.
	PostgresConn string

	// RedisAddr is the Redis address backing quota counters. Empty selects
	// the in-memory KV, which cannot coordinate multiple replicas.
	RedisAddr string

	// RedisPassword is read from REDIS_PASSWORD only, never from a flag.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int

	// JWTSecret signs bearer tokens. Read from JWT_SECRET only.
	JWTSecret string

	// UserTokenTTL bounds user bearer tokens.
	UserTokenTTL time.Duration

	// LicenseTokenTTL bounds minted license tokens.
	LicenseTokenTTL time.Duration

	// KafkaBrokers enables the Kafka usage-event publisher when non-empty.
	// Without brokers events stay in memory.
	KafkaBrokers []string

	// KafkaTopic is the usage-event topic.
	KafkaTopic string

	// ReconcileSchedule is the cron spec driving the quota reconciler.
	// Empty disables reconciliation.
	ReconcileSchedule string

	// HourlyRollups adds per-hour metrics rows next to the daily ones.
	HourlyRollups bool
}

// Default token lifetimes.
const (
	DefaultUserTokenTTL    = 24 * time.Hour
	DefaultLicenseTokenTTL = 365 * 24 * time.Hour
)

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		APIAddr:           ":8080",
		HealthAddr:        ":8081",
		MetricsAddr:       ":9090",
		UserTokenTTL:      DefaultUserTokenTTL,
		LicenseTokenTTL:   DefaultLicenseTokenTTL,
		KafkaTopic:        "warden.events",
		ReconcileSchedule: "@every 1h",
	}
}

// Validate checks if the Options are valid.
func (o *Options) Validate() error {
	if o.JWTSecret == "" {
		return errors.New("jwt secret is required (set JWT_SECRET)")
	}
	if o.UserTokenTTL <= 0 {
		return errors.New("user token ttl must be positive")
	}
	if o.LicenseTokenTTL <= 0 {
		return errors.New("license token ttl must be positive")
	}
	if len(o.KafkaBrokers) > 0 && o.KafkaTopic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}

// KafkaEnabled reports whether usage events go to Kafka.
func (o *Options) KafkaEnabled() bool {
	return len(o.KafkaBrokers) > 0
}

// ReconcileEnabled reports whether the quota reconciler runs.
func (o *Options) ReconcileEnabled() bool {
	return o.ReconcileSchedule != ""
}
