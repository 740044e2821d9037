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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKeyShape(t *testing.T) {
	key, err := newAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, apiKeyPrefix))
	assert.Len(t, key, len(apiKeyPrefix)+apiKeyLength)
	for _, c := range key[len(apiKeyPrefix):] {
		require.True(t, strings.ContainsRune(apiKeyAlphabet, c), "unexpected character %q", c)
	}
}

// Bytes at or above the uniformity bound are discarded and replaced by a
// further read instead of wrapping around onto the start of the alphabet.
func TestNewAPIKeyFromRejectsHighBytes(t *testing.T) {
	input := make([]byte, 0, 40)
	for b := maxUniformByte; b < 256; b++ {
		input = append(input, byte(b))
	}
	// Largest accepted byte maps onto the last alphabet character.
	input = append(input, byte(maxUniformByte-1))
	for b := 0; b < apiKeyLength-1; b++ {
		input = append(input, byte(b))
	}

	key, err := newAPIKeyFrom(bytes.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, apiKeyPrefix+"9"+apiKeyAlphabet[:apiKeyLength-1], key)
}

func TestNewAPIKeyFromSourceError(t *testing.T) {
	_, err := newAPIKeyFrom(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generate api key")
}
