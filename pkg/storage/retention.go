// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// DefaultRetention number of media segments kept per prefix.
const DefaultRetention = 5

// FileName returns "<prefix><index><ext>".
func FileName(prefix string, index int, ext string) string {
	return prefix + strconv.Itoa(index) + ext
}

// Pattern identifies one family of numbered files.
type Pattern struct {
	Prefix string
	Ext    string
}

// Name returns the file name for index.
func (p Pattern) Name(index int) string {
	return FileName(p.Prefix, index, p.Ext)
}

// Retention hands out a shared, strictly increasing segment
// index and keeps at most window files per pattern on disk.
type Retention struct {
	dir    string
	window int
	next   int
	remove func(string) error

	mu sync.Mutex
}

// NewRetention returns a retention starting at index 0.
// A window below 1 falls back to DefaultRetention.
func NewRetention(dir string, window int) *Retention {
	if window < 1 {
		window = DefaultRetention
	}
	return &Retention{
		dir:    dir,
		window: window,
		remove: os.Remove,
	}
}

// Next reserves the next index. Files that fall out of the
// window once the new index exists are deleted first.
func (r *Retention) Next(patterns ...Pattern) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.next
	r.next++

	expired := index - r.window
	if expired < 0 {
		return index, nil
	}
	for _, p := range patterns {
		path := filepath.Join(r.dir, p.Name(expired))
		err := r.remove(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return index, fmt.Errorf("remove expired segment: %w", err)
		}
	}
	return index, nil
}

// peek returns the index that the next call to Next will return.
func (r *Retention) peek() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Window returns the number of retained segments.
func (r *Retention) Window() int {
	return r.window
}

// Dir returns the output directory.
func (r *Retention) Dir() string {
	return r.dir
}
