/*
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     https://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestPulseFrame(t *testing.T) {
	metadata := []byte(`{"properties":{"device":"ITC18USB_Dev_0"}}`)
	data := []byte{0, 0, 128, 63, 0, 0, 0, 64}
	frame, err := EncodeTestPulseFrame(metadata, data)
	require.NoError(t, err)
	assert.Len(t, frame, TestPulseHeaderSize+len(metadata)+len(data)+TestPulseTailSize)

	tp, err := DecodeTestPulseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(TestPulseSync), tp.Sync)
	assert.Equal(t, uint16(TestPulseVersion), tp.Version)
	assert.Equal(t, metadata, tp.Metadata)
	assert.Equal(t, data, tp.Data)
}

func TestTestPulseFrameErrors(t *testing.T) {
	frame, err := EncodeTestPulseFrame([]byte(`{}`), []byte{1, 2, 3, 4})
	require.NoError(t, err)

	corrupted := append([]byte{}, frame...)
	corrupted[TestPulseHeaderSize] = '['
	_, err = DecodeTestPulseFrame(corrupted)
	assert.Error(t, err, "checksum mismatch")

	_, err = DecodeTestPulseFrame(frame[:len(frame)-6])
	assert.Error(t, err, "truncated frame")

	badSync := append([]byte{}, frame...)
	badSync[0] = 0
	_, err = DecodeTestPulseFrame(badSync)
	assert.Error(t, err)

	_, err = EncodeTestPulseFrame(nil, nil)
	require.NoError(t, err)
}
