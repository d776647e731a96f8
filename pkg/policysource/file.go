// Copyright (c) 2026 Tigera, Inc. All rights reserved.
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

package policysource

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// LoadFile parses a YAML world file.
func LoadFile(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWorld(data)
}

func ParseWorld(data []byte) (*World, error) {
	w := &World{}
	if err := yaml.UnmarshalStrict(data, w); err != nil {
		return nil, fmt.Errorf("failed to parse world file: %w", err)
	}
	return w, nil
}

// FileSource delivers the contents of a YAML world file and redelivers it
// whenever the file changes.  A file that fails to parse is logged and
// ignored; the previous snapshot stays in effect.
type FileSource struct {
	path     string
	lastHash [sha256.Size]byte
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Start(ctx context.Context, cbs Callbacks) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory rather than the file so that replacing the file by
	// rename is seen.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	if _, err := s.reload(cbs); err != nil {
		_ = watcher.Close()
		return err
	}
	log.WithField("file", s.path).Info("Watching policy file for changes.")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				changed, err := s.reload(cbs)
				if err != nil {
					log.WithError(err).WithField("file", s.path).Error("Failed to reload policy file, keeping previous contents")
					continue
				}
				if changed {
					log.WithField("file", s.path).Info("Policy file reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("Error watching policy file.")
			}
		}
	}()
	return nil
}

// reload reads and delivers the file if its content changed since the last
// successful load.
func (s *FileSource) reload(cbs Callbacks) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, err
	}
	hash := sha256.Sum256(data)
	if hash == s.lastHash {
		return false, nil
	}
	w, err := ParseWorld(data)
	if err != nil {
		return false, err
	}
	s.lastHash = hash
	cbs.OnTenants(w.Tenants)
	cbs.OnEndpoints(w.Endpoints)
	cbs.OnSwitches(w.Switches)
	deliverConfig(cbs, w.Config)
	return true, nil
}
