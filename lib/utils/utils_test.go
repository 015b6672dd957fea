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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	_, err := TailLines(path, 10)
	require.True(t, trace.IsNotFound(err))

	var content string
	for i := 1; i <= 25; i++ {
		content += fmt.Sprintf("line %d\n", i)
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lines, err := TailLines(path, 10)
	require.NoError(t, err)
	require.Len(t, lines, 10)
	assert.Equal(t, "line 16", lines[0])
	assert.Equal(t, "line 25", lines[9])

	lines, err = TailLines(path, 100)
	require.NoError(t, err)
	require.Len(t, lines, 25)
	assert.Equal(t, "line 1", lines[0])
}

func TestGuardedLogWriterRotation(t *testing.T) {
	dir := t.TempDir()
	w := NewGuardedLogWriter(filepath.Join(dir, "app.log"))
	w.maxBytes = 64
	w.rotateCount = 2
	w.freeSpace = func(string) (uint64, error) { return 1 << 30, nil }

	chunk := make([]byte, 40)
	for i := range chunk {
		chunk[i] = 'a'
	}
	for i := 0; i < 5; i++ {
		n, err := w.Write(chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}

	assert.True(t, FileExists(filepath.Join(dir, "app.log")))
	assert.True(t, FileExists(filepath.Join(dir, "app.log.1")))
	assert.False(t, FileExists(filepath.Join(dir, "app.log.3")))
}

func TestGuardedLogWriterDisablesOnLowSpace(t *testing.T) {
	dir := t.TempDir()
	w := NewGuardedLogWriter(filepath.Join(dir, "app.log"))
	w.checkEvery = 1
	w.freeSpace = func(string) (uint64, error) { return 0, nil }

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, w.Disabled())

	// Subsequent writes still succeed without touching the disk.
	n, err = w.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, FileExists(filepath.Join(dir, "app.log")))
}

func TestTimestampString(t *testing.T) {
	assert.Equal(t, "1700000000", TimestampString(time.Unix(1700000000, 0)))
}
