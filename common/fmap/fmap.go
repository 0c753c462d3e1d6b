//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//

// Package fmap locates and parses the flash area map embedded in firmware
// images. The map is a small table of named byte ranges ("areas") that the
// build system drops somewhere inside the image; it has to be searched for
// by signature.
package fmap

import (
	"bytes"
	"encoding/binary"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	Signature = "__FMAP__"

	headerSize   = 8 + 1 + 1 + 8 + 4 + 32 + 2
	areaSize     = 4 + 4 + 32 + 2
	nameLen      = 32
	majorVersion = 1

	// The signature is aligned in practice; searching at this stride keeps
	// the scan cheap on multi-megabyte images.
	searchStride = 4
)

// Area is one named byte range of the flash image.
type Area struct {
	Offset uint32
	Size   uint32
	Name   string
	Flags  uint16
}

// Map is the parsed area table.
type Map struct {
	Base  uint64
	Size  uint32
	Name  string
	Areas []Area
}

// Find locates (by signature search) and parses the area map embedded in
// image.
func Find(image []byte) (*Map, error) {
	sig := []byte(Signature)
	for off := 0; off+headerSize <= len(image); off += searchStride {
		i := bytes.Index(image[off:], sig)
		if i < 0 {
			break
		}
		off += i
		m, err := Parse(image[off:])
		if err == nil {
			glog.V(2).Infof("found fmap %q at 0x%x, %d areas", m.Name, off, len(m.Areas))
			return m, nil
		}
		glog.V(2).Infof("signature at 0x%x is not a valid fmap: %s", off, err)
		off = off &^ (searchStride - 1)
	}
	return nil, errors.Errorf("no fmap found in %d byte image", len(image))
}

// Parse decodes an area map that starts at b[0].
func Parse(b []byte) (*Map, error) {
	if len(b) < headerSize {
		return nil, errors.Errorf("buffer too short for fmap header: %d", len(b))
	}
	if !bytes.Equal(b[:8], []byte(Signature)) {
		return nil, errors.Errorf("bad fmap signature")
	}
	if b[8] != majorVersion {
		return nil, errors.Errorf("unsupported fmap version %d.%d", b[8], b[9])
	}
	m := &Map{
		Base: binary.LittleEndian.Uint64(b[10:18]),
		Size: binary.LittleEndian.Uint32(b[18:22]),
		Name: cString(b[22 : 22+nameLen]),
	}
	nAreas := int(binary.LittleEndian.Uint16(b[54:56]))
	if len(b) < headerSize+nAreas*areaSize {
		return nil, errors.Errorf("buffer too short for %d fmap areas", nAreas)
	}
	for i := 0; i < nAreas; i++ {
		ab := b[headerSize+i*areaSize:]
		m.Areas = append(m.Areas, Area{
			Offset: binary.LittleEndian.Uint32(ab[0:4]),
			Size:   binary.LittleEndian.Uint32(ab[4:8]),
			Name:   cString(ab[8 : 8+nameLen]),
			Flags:  binary.LittleEndian.Uint16(ab[40:42]),
		})
	}
	return m, nil
}

// AreaByName returns the named area, or nil if the map does not have it.
// A missing area is not an error: images routinely omit optional copies.
func (m *Map) AreaByName(name string) *Area {
	for i := range m.Areas {
		if m.Areas[i].Name == name {
			return &m.Areas[i]
		}
	}
	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
