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
package fmap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMap(name string, areas []Area) []byte {
	b := make([]byte, headerSize+len(areas)*areaSize)
	copy(b[:8], Signature)
	b[8] = majorVersion
	b[9] = 1
	binary.LittleEndian.PutUint64(b[10:18], 0)
	binary.LittleEndian.PutUint32(b[18:22], 0x20000)
	copy(b[22:22+nameLen], name)
	binary.LittleEndian.PutUint16(b[54:56], uint16(len(areas)))
	for i, a := range areas {
		ab := b[headerSize+i*areaSize:]
		binary.LittleEndian.PutUint32(ab[0:4], a.Offset)
		binary.LittleEndian.PutUint32(ab[4:8], a.Size)
		copy(ab[8:8+nameLen], a.Name)
		binary.LittleEndian.PutUint16(ab[40:42], a.Flags)
	}
	return b
}

func TestParse(t *testing.T) {
	raw := buildMap("FMAP", []Area{
		{Offset: 0, Size: 0x10000, Name: "EC_RO"},
		{Offset: 0x10000, Size: 0x10000, Name: "EC_RW", Flags: 1},
	})
	m, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "FMAP", m.Name)
	assert.Equal(t, uint32(0x20000), m.Size)
	require.Len(t, m.Areas, 2)

	ro := m.AreaByName("EC_RO")
	require.NotNil(t, ro)
	assert.Equal(t, uint32(0), ro.Offset)
	assert.Equal(t, uint32(0x10000), ro.Size)

	rw := m.AreaByName("EC_RW")
	require.NotNil(t, rw)
	assert.Equal(t, uint32(0x10000), rw.Offset)
	assert.Equal(t, uint16(1), rw.Flags)

	assert.Nil(t, m.AreaByName("EC_RW_B"), "missing area is not an error")
}

func TestParseRejects(t *testing.T) {
	raw := buildMap("FMAP", nil)

	bad := append([]byte(nil), raw...)
	bad[0] = 'X'
	_, err := Parse(bad)
	assert.Error(t, err)

	bad = append([]byte(nil), raw...)
	bad[8] = 9
	_, err = Parse(bad)
	assert.Error(t, err)

	_, err = Parse(raw[:10])
	assert.Error(t, err)

	// Claims more areas than the buffer holds.
	bad = append([]byte(nil), raw...)
	binary.LittleEndian.PutUint16(bad[54:56], 7)
	_, err = Parse(bad)
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	img := make([]byte, 0x4000)
	fm := buildMap("EC_FMAP", []Area{{Offset: 0x40, Size: 0x100, Name: "EC_RO"}})
	copy(img[0x1000:], fm)

	m, err := Find(img)
	require.NoError(t, err)
	assert.Equal(t, "EC_FMAP", m.Name)
	require.Len(t, m.Areas, 1)
	assert.Equal(t, "EC_RO", m.Areas[0].Name)

	_, err = Find(make([]byte, 0x1000))
	assert.Error(t, err)
}
