// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key tier prefixes keep the three address spaces disjoint.
const (
	tierSegment = "seg"
	tierPrefix  = "pfx"
	tierPackage = "pkg"
)

// digest hashes the parts with an explicit separator so ("ab","c") and
// ("a","bc") never collide.
func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SegmentKey addresses a sanitized segment by content and model.
func SegmentKey(content, model string) string {
	return tierSegment + ":" + digest(content, model)
}

// PrefixKey addresses a pre-assembled static head by its ordered member
// contents, model and policy version.
func PrefixKey(members []string, model, policyVersion string) string {
	return tierPrefix + ":" + digest(strings.Join(members, "\x00"), model, policyVersion)
}

// PackageKey addresses a full build by its serialized inputs, model and
// policy version. Model and policy version always participate so a policy
// bump or a model switch can never serve a stale package.
func PackageKey(serializedInputs []byte, model, policyVersion string) string {
	return tierPackage + ":" + digest(string(serializedInputs), model, policyVersion)
}
