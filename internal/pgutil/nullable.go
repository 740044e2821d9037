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

package pgutil

import (
	"encoding/json"
	"time"
)

// Nullable column mapping. The domain types use zero values where the schema
// uses NULL (empty error_message, unset finished_at, zero execution time);
// these helpers translate in both directions at the scan/exec boundary.

// NullString maps "" to NULL, anything else to itself.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// DerefString maps NULL back to "".
func DerefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NullFloat64 maps 0 to NULL, anything else to itself.
func NullFloat64(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// DerefFloat64 maps NULL back to 0.
func DerefFloat64(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// NullTime maps the zero time to NULL, anything else to itself.
func NullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// TimeOrZero maps NULL back to the zero time.
func TimeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// MarshalJSONB renders m for a JSONB column; a nil map becomes the empty
// object rather than NULL so reads never see a null document.
func MarshalJSONB(m map[string]string) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(m)
	return b
}

// UnmarshalJSONB parses a JSONB column back into a map. Empty documents,
// empty input and malformed bytes all come back as nil.
func UnmarshalJSONB(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}
	var m map[string]string
	if json.Unmarshal(data, &m) != nil || len(m) == 0 {
		return nil
	}
	return m
}
