// Package sharding implements the content-addressed result storage format:
// binary shard files of per-policy per-region finding lists, gzipped at rest,
// grouped into keyed collections with a JSON metadata sidecar.
package sharding

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Part is one unit of scan output: the resources one policy reported for one
// location at one point in time. Multiple parts with the same (policy,
// location) may coexist in a shard.
type Part struct {
	Policy    string
	Location  string
	Timestamp float64
	Resources []map[string]any
}

// NewPart builds a part stamped with the current time.
func NewPart(policy, location string, resources []map[string]any) Part {
	return Part{
		Policy:    policy,
		Location:  location,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Resources: resources,
	}
}

// Wire layout of one part, little-endian:
//
//	uint32  policy_len
//	bytes   policy_name
//	uint32  location_len
//	bytes   location
//	float64 unix_ts
//	uint32  payload_len
//	bytes   payload      (JSON list of objects, UTF-8)
//
// A shard file is an unbounded concatenation of parts; EOF ends the shard.

// EncodePart appends the wire form of p to w.
func EncodePart(w io.Writer, p Part) error {
	payload, err := json.Marshal(p.Resources)
	if err != nil {
		return fmt.Errorf("encode part resources: %w", err)
	}
	if p.Resources == nil {
		payload = []byte("[]")
	}
	if err := writeChunk(w, []byte(p.Policy)); err != nil {
		return fmt.Errorf("encode part policy: %w", err)
	}
	if err := writeChunk(w, []byte(p.Location)); err != nil {
		return fmt.Errorf("encode part location: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, p.Timestamp); err != nil {
		return fmt.Errorf("encode part timestamp: %w", err)
	}
	if err := writeChunk(w, payload); err != nil {
		return fmt.Errorf("encode part payload: %w", err)
	}
	return nil
}

// DecodePart reads one part from r. io.EOF at a part boundary means a clean
// end of shard; a truncated part returns io.ErrUnexpectedEOF.
func DecodePart(r io.Reader) (Part, error) {
	var p Part

	policy, err := readChunk(r, true)
	if err != nil {
		return p, err
	}
	location, err := readChunk(r, false)
	if err != nil {
		return p, err
	}
	var ts float64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		if errors.Is(err, io.EOF) {
			return p, io.ErrUnexpectedEOF
		}
		return p, fmt.Errorf("decode part timestamp: %w", err)
	}
	payload, err := readChunk(r, false)
	if err != nil {
		return p, err
	}

	p.Policy = string(policy)
	p.Location = string(location)
	p.Timestamp = ts
	if err := json.Unmarshal(payload, &p.Resources); err != nil {
		return p, fmt.Errorf("decode part payload: %w", err)
	}
	return p, nil
}

// DecodeAll reads parts from r until EOF.
func DecodeAll(r io.Reader) ([]Part, error) {
	var parts []Part
	for {
		p, err := DecodePart(r)
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return parts, err
		}
		parts = append(parts, p)
	}
}

// EncodeAll writes every part to w in order.
func EncodeAll(w io.Writer, parts []Part) error {
	for _, p := range parts {
		if err := EncodePart(w, p); err != nil {
			return err
		}
	}
	return nil
}

// Bytes serializes parts into one shard body.
func Bytes(parts []Part) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeAll(&buf, parts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeChunk(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readChunk reads a length-prefixed chunk. When first is true, a clean EOF
// before the length prefix is propagated as io.EOF (end of shard).
func readChunk(r io.Reader, first bool) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		if errors.Is(err, io.EOF) && first {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("decode chunk length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("decode chunk body: %w", err)
	}
	return buf, nil
}
