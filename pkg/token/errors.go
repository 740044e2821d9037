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

package token

import "errors"

// Common errors returned by the codec.
var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenMalformed is returned when a token cannot be parsed or its
	// signature does not verify.
	ErrTokenMalformed = errors.New("token is malformed or has an invalid signature")
	// ErrUnexpectedClaims is returned when a verified token carries neither a
	// user_id nor a tenant_id claim.
	ErrUnexpectedClaims = errors.New("token carries no recognized identity claims")
	// ErrMissingSecret is returned when a codec is constructed without a signing key.
	ErrMissingSecret = errors.New("signing secret is required")
)
