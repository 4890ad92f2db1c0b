// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// fileState is what the change scan compares per file.
type fileState struct {
	size    int64
	modTime int64
}

// snapshotTree records every regular file under root, keyed by
// workspace-relative path.
func snapshotTree(root string) (map[string]fileState, error) {
	states := make(map[string]fileState)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		states[relative] = fileState{
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}

// diffTree lists files created or modified since the snapshot, in
// sorted order. Deletions are not reported: the notification surface
// cares about what the execution produced.
func diffTree(root string, before map[string]fileState) ([]string, error) {
	after, err := snapshotTree(root)
	if err != nil {
		return nil, err
	}
	var changed []string
	for path, state := range after {
		previous, existed := before[path]
		if !existed || previous != state {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}
