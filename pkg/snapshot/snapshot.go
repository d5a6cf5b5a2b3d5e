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

// Package snapshot persists built packages as JSON files so they can be
// inspected and diffed after the fact.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/weft/pkg/segment"
)

// Info is one stored snapshot's listing entry.
type Info struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Tokens    int       `json:"tokens"`
	Segments  int       `json:"segments"`
	Path      string    `json:"path"`
}

// Store writes packages under a directory, one file per request id.
type Store struct {
	dir string
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the package and returns its snapshot id (the request id).
func (s *Store) Save(pkg *segment.ContextPackage) (string, error) {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal package: %w", err)
	}
	path := filepath.Join(s.dir, pkg.RequestID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return pkg.RequestID, nil
}

// Load reads a snapshot by id or by direct file path.
func (s *Store) Load(idOrPath string) (*segment.ContextPackage, error) {
	path := idOrPath
	if !strings.HasSuffix(path, ".json") {
		path = filepath.Join(s.dir, idOrPath+".json")
	} else if _, err := os.Stat(path); err != nil {
		path = filepath.Join(s.dir, idOrPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", idOrPath, err)
	}
	var pkg segment.ContextPackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", idOrPath, err)
	}
	return &pkg, nil
}

// List returns stored snapshots, newest first.
func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		pkg, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:        pkg.RequestID,
			Model:     pkg.Model,
			CreatedAt: pkg.CreatedAt,
			Tokens:    pkg.TokenUsage.TotalTokens,
			Segments:  len(pkg.Segments),
			Path:      filepath.Join(s.dir, e.Name()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.After(infos[j].CreatedAt) })
	return infos, nil
}
