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

// Package provider abstracts policy sources. Providers load raw policy bytes
// and may support watching for changes.
package provider

import "context"

// Type identifies the policy source type.
type Type string

const (
	TypeFile Type = "file"
)

// Provider abstracts a policy source. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Type returns the provider type for logging.
	Type() Type

	// Load reads raw policy bytes from the source.
	Load(ctx context.Context) ([]byte, error)

	// Watch starts watching for changes; the channel receives a value per
	// change. Returns a nil channel when watching is unsupported.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases resources held by the provider.
	Close() error
}
