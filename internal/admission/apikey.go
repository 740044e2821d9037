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

package admission

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	apiKeyPrefix = "app_"
	apiKeyLength = 32

	apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// maxUniformByte is the largest multiple of len(apiKeyAlphabet) that fits in
// a byte. Bytes at or above it are rejected so every alphabet character keeps
// the same probability; 256 is not a multiple of 62, so plain modulo would
// favour the first 256%62 characters.
const maxUniformByte = 256 - 256%len(apiKeyAlphabet)

// newAPIKey mints an application credential: "app_" followed by 32 random
// alphanumeric characters. Uniqueness is enforced by the store's unique
// index; callers retry on collision.
func newAPIKey() (string, error) {
	return newAPIKeyFrom(rand.Reader)
}

func newAPIKeyFrom(source io.Reader) (string, error) {
	key := make([]byte, 0, apiKeyLength)
	buf := make([]byte, apiKeyLength)
	for len(key) < apiKeyLength {
		n := apiKeyLength - len(key)
		if _, err := io.ReadFull(source, buf[:n]); err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		for _, b := range buf[:n] {
			if int(b) >= maxUniformByte {
				continue
			}
			key = append(key, apiKeyAlphabet[int(b)%len(apiKeyAlphabet)])
		}
	}
	return apiKeyPrefix + string(key), nil
}
