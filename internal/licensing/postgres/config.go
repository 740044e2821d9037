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

package postgres

import (
	"crypto/tls"
	"time"
)

// Config carries the pgx pool settings for the store provider. Only
// ConnString is mandatory; the rest defaults via DefaultConfig.
type Config struct {
	// ConnString is a PostgreSQL URI such as
	// "postgres://warden:secret@db:5432/warden?sslmode=disable".
	ConnString string
	// MaxConns caps the pool size.
	MaxConns int32
	// MinConns keeps that many connections warm between request bursts.
	MinConns int32
	// MaxConnLifetime retires connections so server-side restarts and
	// failovers drain gracefully.
	MaxConnLifetime time.Duration
	// MaxConnIdleTime closes connections the pool has not needed for a while.
	MaxConnIdleTime time.Duration
	// HealthCheckPeriod is how often idle connections are probed.
	HealthCheckPeriod time.Duration
	// TLS is applied to new connections when non-nil.
	TLS *tls.Config
}

// DefaultConfig returns pool settings suited to a single warden replica.
// ConnString must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}
