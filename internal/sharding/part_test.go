package sharding

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func samplePart() Part {
	return Part{
		Policy:    "ec2-public",
		Location:  "us-east-1",
		Timestamp: 1717243200.25,
		Resources: []map[string]any{
			{"InstanceId": "i-1", "Tags": []any{map[string]any{"Key": "Env", "Value": "Prod"}}},
			{"InstanceId": "i-2"},
		},
	}
}

func TestPartRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := samplePart()
	if err := EncodePart(&buf, want); err != nil {
		t.Fatalf("encode part: %v", err)
	}

	got, err := DecodePart(&buf)
	if err != nil {
		t.Fatalf("decode part: %v", err)
	}
	if got.Policy != want.Policy || got.Location != want.Location {
		t.Fatalf("identity mismatch: got (%q,%q)", got.Policy, got.Location)
	}
	if got.Timestamp != want.Timestamp {
		t.Fatalf("timestamp mismatch: got %v want %v", got.Timestamp, want.Timestamp)
	}
	if !reflect.DeepEqual(got.Resources, want.Resources) {
		t.Fatalf("resources mismatch after JSON normalization:\ngot  %#v\nwant %#v", got.Resources, want.Resources)
	}
}

func TestPartRoundTripEmptyResources(t *testing.T) {
	var buf bytes.Buffer
	p := Part{Policy: "p", Location: "global", Timestamp: 1}
	if err := EncodePart(&buf, p); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePart(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Resources) != 0 {
		t.Fatalf("expected no resources, got %d", len(got.Resources))
	}
}

func TestDecodeAllStopsAtCleanEOF(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := EncodePart(&buf, samplePart()); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	parts, err := DecodeAll(&buf)
	if err != nil {
		t.Fatalf("decode all: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
}

func TestDecodeTruncatedPart(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodePart(&buf, samplePart()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]

	_, err := DecodeAll(bytes.NewReader(truncated))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeEmptyShard(t *testing.T) {
	parts, err := DecodeAll(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("expected no parts, got %d", len(parts))
	}
}
