/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

import (
	"encoding/binary"
	"fmt"
)

// PCMInfo describes the canonical PCM content of a normalized WAV payload.
type PCMInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	DataBytes  int64
	DurationMs int64
}

const (
	wavFormatPCM = 1

	// Canonical format every playback engine must accept without probing:
	// 16-bit linear PCM, stereo, 48 kHz.
	CanonicalSampleRate = 48000
	CanonicalChannels   = 2
	CanonicalBitDepth   = 16

	// CanonicalContentType identifies the canonical format on the wire.
	CanonicalContentType = "audio/wav"
)

// ParseWAV walks the RIFF chunk list of a WAV payload and returns the PCM
// parameters of its fmt chunk plus the size of its data chunk. Fails on
// anything that is not plain PCM.
func ParseWAV(data []byte) (*PCMInfo, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("wav too short: %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("missing RIFF/WAVE header")
	}

	info := &PCMInfo{}
	var haveFmt, haveData bool

	// Chunks are word-aligned; odd-sized chunks carry a pad byte.
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			return nil, fmt.Errorf("truncated %q chunk", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != wavFormatPCM {
				return nil, fmt.Errorf("unsupported wav format tag %d, want PCM", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			info.DataBytes = int64(chunkSize)
			haveData = true
		}

		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if !haveFmt {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	if !haveData {
		return nil, fmt.Errorf("missing data chunk")
	}
	if info.SampleRate <= 0 || info.Channels <= 0 || info.BitDepth <= 0 {
		return nil, fmt.Errorf("invalid PCM parameters: rate=%d channels=%d depth=%d",
			info.SampleRate, info.Channels, info.BitDepth)
	}

	bytesPerSecond := int64(info.SampleRate) * int64(info.Channels) * int64(info.BitDepth/8)
	if bytesPerSecond > 0 {
		info.DurationMs = info.DataBytes * 1000 / bytesPerSecond
	}

	return info, nil
}

// EncodeWAV builds a canonical WAV payload around raw PCM sample bytes.
// Used by tests and tooling that need deterministic fixtures.
func EncodeWAV(samples []byte, sampleRate, channels, bitDepth int) []byte {
	blockAlign := channels * bitDepth / 8
	byteRate := sampleRate * blockAlign
	dataSize := len(samples)
	fileSize := 36 + dataSize

	buf := make([]byte, 0, 44+dataSize)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fileSize))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16) // fmt chunk size for PCM
	buf = binary.LittleEndian.AppendUint16(buf, wavFormatPCM)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(sampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(bitDepth))
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	buf = append(buf, samples...)

	return buf
}
