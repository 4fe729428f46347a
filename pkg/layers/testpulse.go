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
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// TestPulseLayerNum identifies the layer
	TestPulseLayerNum = 2001
	// TestPulseSync is a magic number that appears in the beginning of each test pulse frame
	TestPulseSync    = 0x4D544650
	TestPulseVersion = 1
	// 4 bytes sync + 2 bytes version + 2 bytes reserved + 4 bytes metadata length + 4 bytes data length
	TestPulseHeaderSize = 16
	// crc32 of metadata and data
	TestPulseTailSize = 4
)

type TestPulseHeader struct {
	Sync    uint32
	Version uint16
	MetaLen uint32
	DataLen uint32
}

// TestPulseLayer is a test pulse frame as published by the host: a JSON
// metadata document followed by the raw little endian float32 sample buffer.
type TestPulseLayer struct {
	layers.BaseLayer
	TestPulseHeader
	Metadata []byte
	Data     []byte
	Crc      uint32
}

var TestPulseLayerType = gopacket.RegisterLayerType(TestPulseLayerNum,
	gopacket.LayerTypeMetadata{Name: "TestPulseLayerType", Decoder: gopacket.DecodeFunc(DecodeTestPulseLayer)})

// LayerType returns the type of the test pulse layer in the layer catalog
func (tp *TestPulseLayer) LayerType() gopacket.LayerType {
	return TestPulseLayerType
}

func (tp *TestPulseLayer) CanDecode() gopacket.LayerClass {
	return TestPulseLayerType
}

func (tp *TestPulseLayer) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (tp *TestPulseLayer) checksum() uint32 {
	h := crc32.NewIEEE()
	h.Write(tp.Metadata)
	h.Write(tp.Data)
	return h.Sum32()
}

// SerializeTo serializes the frame into bytes and writes the bytes to the SerializeBuffer
func (tp *TestPulseLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	size := TestPulseHeaderSize + len(tp.Metadata) + len(tp.Data) + TestPulseTailSize
	bytes, err := b.AppendBytes(size)
	if err != nil {
		return err
	}
	if opts.FixLengths {
		tp.MetaLen = uint32(len(tp.Metadata))
		tp.DataLen = uint32(len(tp.Data))
		tp.Sync = TestPulseSync
		tp.Version = TestPulseVersion
	}
	if opts.ComputeChecksums {
		tp.Crc = tp.checksum()
	}
	binary.LittleEndian.PutUint32(bytes[0:4], tp.Sync)
	binary.LittleEndian.PutUint16(bytes[4:6], tp.Version)
	binary.LittleEndian.PutUint16(bytes[6:8], 0)
	binary.LittleEndian.PutUint32(bytes[8:12], tp.MetaLen)
	binary.LittleEndian.PutUint32(bytes[12:16], tp.DataLen)
	offset := TestPulseHeaderSize
	offset += copy(bytes[offset:], tp.Metadata)
	offset += copy(bytes[offset:], tp.Data)
	binary.LittleEndian.PutUint32(bytes[offset:offset+4], tp.Crc)
	return nil
}

// DecodeFromBytes attempts to decode the byte slice as a test pulse frame
func (tp *TestPulseLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < TestPulseHeaderSize+TestPulseTailSize {
		df.SetTruncated()
		return errors.New("Test pulse frame too short")
	}
	tp.Sync = binary.LittleEndian.Uint32(data[0:4])
	if tp.Sync != TestPulseSync {
		return fmt.Errorf("Wrong test pulse sync. Must be 0x%08x", TestPulseSync)
	}
	tp.Version = binary.LittleEndian.Uint16(data[4:6])
	tp.MetaLen = binary.LittleEndian.Uint32(data[8:12])
	tp.DataLen = binary.LittleEndian.Uint32(data[12:16])

	end := TestPulseHeaderSize + int(tp.MetaLen) + int(tp.DataLen)
	if len(data) < end+TestPulseTailSize {
		df.SetTruncated()
		return fmt.Errorf("Test pulse frame truncated: %d bytes, header announces %d", len(data), end+TestPulseTailSize)
	}
	if tp.DataLen%4 != 0 {
		return fmt.Errorf("Test pulse data length %d is not a multiple of float32 size", tp.DataLen)
	}

	tp.BaseLayer = layers.BaseLayer{
		Contents: data[:end+TestPulseTailSize],
		Payload:  []byte{},
	}
	tp.Metadata = data[TestPulseHeaderSize : TestPulseHeaderSize+int(tp.MetaLen)]
	tp.Data = data[TestPulseHeaderSize+int(tp.MetaLen) : end]
	tp.Crc = binary.LittleEndian.Uint32(data[end : end+4])
	if tp.Crc != tp.checksum() {
		return errors.New("Wrong test pulse frame checksum")
	}
	return nil
}

func DecodeTestPulseLayer(data []byte, p gopacket.PacketBuilder) error {
	tp := &TestPulseLayer{}
	err := tp.DecodeFromBytes(data, p)
	if err != nil {
		return err
	}
	p.AddLayer(tp)
	return nil
}

// EncodeTestPulseFrame builds a frame from a metadata document and a raw sample buffer
func EncodeTestPulseFrame(metadata, data []byte) ([]byte, error) {
	tp := &TestPulseLayer{Metadata: metadata, Data: data}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTestPulseFrame parses a frame. Metadata and Data of the returned layer
// do not alias the input.
func DecodeTestPulseFrame(frame []byte) (*TestPulseLayer, error) {
	packet := gopacket.NewPacket(frame, TestPulseLayerType, gopacket.DecodeOptions{NoCopy: false})
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return nil, errLayer.Error()
	}
	layer := packet.Layer(TestPulseLayerType)
	if layer == nil {
		return nil, errors.New("Test pulse layer not found in frame")
	}
	return layer.(*TestPulseLayer), nil
}
