// Package track implements the opaque TrackDescriptor blob: encoding and decoding
// of the binary format exchanged with clients as a base64 string.
package track

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// Source identifies which resolver produced a Descriptor.
type Source string

const (
	SourceVideo Source = "video"
	SourceAudio Source = "audio-share"
	SourceLocal Source = "local"
	SourceHTTP  Source = "http"
)

// Flag bits carried in the descriptor header.
const (
	FlagStream   uint8 = 1 << 0
	FlagSeekable uint8 = 1 << 1
)

// CurrentVersion is written into every Descriptor this server produces.
const CurrentVersion uint8 = 2

// Descriptor is an immutable description of a resolved track.
type Descriptor struct {
	Source     Source
	Identifier string
	URI        string
	Title      string
	Author     string
	LengthMS   int64
	PositionMS int64
	IsStream   bool
	IsSeekable bool
	Flags      uint8
	Version    uint8
}

// IsValid reports whether the descriptor carries the minimum data needed to play.
func (d Descriptor) IsValid() bool {
	return d.Identifier != "" && d.Source != ""
}

// Encode serialises the descriptor into the wire-compatible binary block and
// returns it base64-encoded, matching the upstream track-blob format: a flags
// byte, a version byte, then UTF length-prefixed strings and big-endian 64-bit
// position/length fields.
func Encode(d Descriptor) (string, error) {
	flags := d.Flags
	if d.IsStream {
		flags |= FlagStream
	}
	if d.IsSeekable {
		flags |= FlagSeekable
	}
	version := d.Version
	if version == 0 {
		version = CurrentVersion
	}

	var buf bytes.Buffer
	buf.WriteByte(flags)
	buf.WriteByte(version)

	for _, s := range []string{string(d.Source), d.Identifier, d.URI, d.Title, d.Author} {
		if err := writeUTF(&buf, s); err != nil {
			return "", fmt.Errorf("track: encode string field: %w", err)
		}
	}

	if err := binary.Write(&buf, binary.BigEndian, d.LengthMS); err != nil {
		return "", fmt.Errorf("track: encode length: %w", err)
	}
	if err := binary.Write(&buf, binary.BigEndian, d.PositionMS); err != nil {
		return "", fmt.Errorf("track: encode position: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode parses a base64 TrackDescriptor blob produced by Encode (or a
// compatible upstream encoder).
func Decode(blob string) (Descriptor, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Descriptor{}, fmt.Errorf("track: invalid base64: %w", err)
	}

	r := bytes.NewReader(raw)
	flags, err := readByte(r)
	if err != nil {
		return Descriptor{}, fmt.Errorf("track: read flags: %w", err)
	}
	version, err := readByte(r)
	if err != nil {
		return Descriptor{}, fmt.Errorf("track: read version: %w", err)
	}

	fields := make([]string, 5)
	for i := range fields {
		fields[i], err = readUTF(r)
		if err != nil {
			return Descriptor{}, fmt.Errorf("track: read string field %d: %w", i, err)
		}
	}

	var lengthMS, positionMS int64
	if err := binary.Read(r, binary.BigEndian, &lengthMS); err != nil {
		return Descriptor{}, fmt.Errorf("track: read length: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &positionMS); err != nil {
		return Descriptor{}, fmt.Errorf("track: read position: %w", err)
	}

	return Descriptor{
		Source:     Source(fields[0]),
		Identifier: fields[1],
		URI:        fields[2],
		Title:      fields[3],
		Author:     fields[4],
		LengthMS:   lengthMS,
		PositionMS: positionMS,
		IsStream:   flags&FlagStream != 0,
		IsSeekable: flags&FlagSeekable != 0,
		Flags:      flags,
		Version:    version,
	}, nil
}

func writeUTF(buf *bytes.Buffer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("string field too long: %d bytes", len(s))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readUTF(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readByte(r *bytes.Reader) (uint8, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return b, nil
}
