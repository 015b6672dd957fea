/*
 * Camofy
 * Copyright (C) 2025  Camofy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/camofy/camofy/lib/defaults"
)

// GuardedLogWriter appends to a log file on a small flash partition.
// It rotates the file at a size threshold, keeps a bounded number of
// rotated generations, and disables itself rather than filling the disk
// when free space runs out. Write never returns an error: losing log
// lines is preferable to breaking the pipeline that produces them.
type GuardedLogWriter struct {
	mu         sync.Mutex
	path       string
	disabled   bool
	warned     bool
	sinceCheck int64

	// overridable in tests
	maxBytes     int64
	rotateCount  int
	freeSpaceMin uint64
	checkEvery   int64
	freeSpace    func(dir string) (uint64, error)
}

// NewGuardedLogWriter returns a writer appending to path with the
// default rotation and free space policy.
func NewGuardedLogWriter(path string) *GuardedLogWriter {
	return &GuardedLogWriter{
		path:         path,
		maxBytes:     defaults.LogMaxBytes,
		rotateCount:  defaults.LogRotateCount,
		freeSpaceMin: defaults.LogFreeSpaceMin,
		checkEvery:   defaults.LogFreeSpaceCheckBytes,
		freeSpace:    FreeDiskSpace,
	}
}

// Path returns the file the writer appends to.
func (w *GuardedLogWriter) Path() string { return w.path }

// Disabled reports whether the writer gave up due to low disk space.
func (w *GuardedLogWriter) Disabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disabled
}

func (w *GuardedLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disabled {
		return len(p), nil
	}

	w.sinceCheck += int64(len(p))
	if w.sinceCheck >= w.checkEvery {
		w.sinceCheck = 0
		if !w.ensureFreeSpace() {
			return len(p), nil
		}
	}

	w.rotateIfNeeded()

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		w.warnOnce("opening log file failed: %v", err)
		return len(p), nil
	}
	defer f.Close()
	if _, err := f.Write(p); err != nil {
		w.warnOnce("writing log file failed: %v", err)
	}
	return len(p), nil
}

// ensureFreeSpace reclaims rotated generations when the partition runs
// low, and disables the writer when that is not enough. Returns false
// when the writer just disabled itself.
func (w *GuardedLogWriter) ensureFreeSpace() bool {
	free, err := w.freeSpace(filepath.Dir(w.path))
	if err != nil {
		// Can't tell; keep logging.
		return true
	}
	if free >= w.freeSpaceMin {
		return true
	}
	w.removeRotated()
	free, err = w.freeSpace(filepath.Dir(w.path))
	if err == nil && free >= w.freeSpaceMin {
		return true
	}
	w.disabled = true
	w.warnOnce("disk space below %d bytes, file logging disabled", w.freeSpaceMin)
	return false
}

// rotateIfNeeded shifts the current file into the rotation chain once it
// crosses the effective size threshold: the configured maximum, capped
// at a share of the remaining free space.
func (w *GuardedLogWriter) rotateIfNeeded() {
	fi, err := os.Stat(w.path)
	if err != nil {
		return
	}
	max := w.maxBytes
	if free, err := w.freeSpace(filepath.Dir(w.path)); err == nil {
		if limit := int64(float64(free) * defaults.LogFreeSpaceShare); limit < max {
			max = limit
		}
	}
	if fi.Size() < max {
		return
	}
	for i := w.rotateCount - 1; i >= 1; i-- {
		os.Rename(w.rotatedPath(i), w.rotatedPath(i+1))
	}
	os.Rename(w.path, w.rotatedPath(1))
}

func (w *GuardedLogWriter) removeRotated() {
	for i := 1; i <= w.rotateCount; i++ {
		os.Remove(w.rotatedPath(i))
	}
}

func (w *GuardedLogWriter) rotatedPath(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}

func (w *GuardedLogWriter) warnOnce(format string, args ...any) {
	if w.warned {
		return
	}
	w.warned = true
	fmt.Fprintf(os.Stderr, "camofy: "+format+"\n", args...)
}
