/*
 *
 * Copyright 2025 The audiostream Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RegionPrefix is prepended to every region file name.
const RegionPrefix = "ohaudio_shm_"

// ErrUnsupported is returned by mapping and futex helpers on platforms
// without shared memory support.
var ErrUnsupported = errors.New("shm: not supported on this platform")

// Platform-specific functions (implemented in platform-specific files)
var (
	mapFile   func(f *os.File, size int) ([]byte, error)
	unmapFile func(mem []byte) error
)

// Region is a file-backed shared memory mapping.
type Region struct {
	File *os.File // backing file
	Mem  []byte   // mapped bytes, len == size of the file
	Path string   // absolute path of the backing file

	owner    bool // created by this process
	unlinked bool
}

// DefaultDir returns /dev/shm when it exists and the temp dir otherwise.
func DefaultDir() string {
	info, err := os.Stat("/dev/shm")
	if err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// RegionPath returns the path of the region called name inside dir. An empty
// dir selects DefaultDir.
func RegionPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, RegionPrefix+name)
}

// CreateRegion creates, sizes and maps a new region. The file must not exist.
func CreateRegion(dir, name string, size uint64) (*Region, error) {
	if size == 0 {
		return nil, errors.New("shm: region size must be positive")
	}
	path := RegionPath(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("create region file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize region file: %w", err)
	}

	mem, err := mapFile(file, int(size))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("map region: %w", err)
	}

	return &Region{File: file, Mem: mem, Path: path, owner: true}, nil
}

// OpenRegion maps an existing region by path. minSize guards against
// truncated or foreign files.
func OpenRegion(path string, minSize uint64) (*Region, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open region file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat region file: %w", err)
	}
	size := info.Size()
	if size <= 0 || uint64(size) < minSize {
		file.Close()
		return nil, fmt.Errorf("region file too small: %d bytes", size)
	}

	mem, err := mapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("map region: %w", err)
	}

	return &Region{File: file, Mem: mem, Path: path}, nil
}

// Owner reports whether this process created the region.
func (r *Region) Owner() bool {
	return r.owner
}

// Close unmaps the memory and closes the file. The backing file stays on
// disk; see Unlink.
func (r *Region) Close() error {
	var firstErr error

	if r.Mem != nil {
		if err := unmapFile(r.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Mem = nil
	}

	if r.File != nil {
		if err := r.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.File = nil
	}

	return firstErr
}

// Unlink removes the backing file. Existing mappings stay valid. Only the
// first call touches the file system, so a later file created under the same
// path is left alone.
func (r *Region) Unlink() error {
	if r.unlinked {
		return nil
	}
	r.unlinked = true
	if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RegionExists reports whether a region file exists at path.
func RegionExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// AlignTo64 is alignTo64 for layouts defined outside this package.
func AlignTo64(size uint64) uint64 {
	return alignTo64(size)
}
