// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package wire implements the textual payload codec for the hot-reload
// protocol.
//
// Payloads are self-describing JSON documents written back-to-back on the
// byte stream; a streaming json.Decoder handles framing. Each tool→agent
// request turn is terminated by a one-byte acknowledgement flowing the other
// way. The textual encoding is shared with the browser refresh channel, where
// payloads additionally carry a "type" tag.
//
// Payload sizes are bounded by compilation granularity (tens of KB typical),
// so no length-prefixed framing is needed.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianReload/services/hotreload/delta"
)

// Message type tags used on the browser refresh channel.
const (
	// PayloadTypeDelta tags an update payload on the browser channel.
	// Pipe payloads omit the tag.
	PayloadTypeDelta = "HotReloadDelta"

	// PayloadTypeDiagnostics tags a diagnostics message.
	PayloadTypeDiagnostics = "HotReloadDiagnosticsv1"
)

// Sentinel errors for codec failures.
var (
	// ErrEmptyDelta is returned when a decoded delta carries a non-nil
	// module id alongside empty delta bytes. This is a fatal protocol
	// error for the batch: the runtime would reject the apply anyway.
	ErrEmptyDelta = errors.New("delta bytes empty for non-nil module id")

	// ErrMalformedPayload is returned when a payload document cannot be
	// parsed.
	ErrMalformedPayload = errors.New("malformed update payload")
)

// Ack is the one-byte apply outcome flowing agent→tool.
type Ack int8

const (
	// AckNone is synthesized by the tool on ack timeout or I/O failure.
	// It never appears on the wire.
	AckNone Ack = -1

	// AckFailed means at least one delta in the batch failed to apply.
	AckFailed Ack = 0

	// AckSuccess means every delta applied.
	AckSuccess Ack = 1

	// AckSuccessRefresh means every delta applied and the host requests
	// a browser refresh.
	AckSuccessRefresh Ack = 2
)

// Applied reports whether the ack indicates a successful apply.
func (a Ack) Applied() bool {
	return a == AckSuccess || a == AckSuccessRefresh
}

// String returns the ack name for logging.
func (a Ack) String() string {
	switch a {
	case AckNone:
		return "None"
	case AckFailed:
		return "Failed"
	case AckSuccess:
		return "Success"
	case AckSuccessRefresh:
		return "SuccessRefreshBrowser"
	default:
		return fmt.Sprintf("Ack(%d)", int8(a))
	}
}

// UpdateDelta is the wire form of one module delta. The byte slices are
// base64-encoded by encoding/json; the module id travels in RFC 4122 form.
type UpdateDelta struct {
	ModuleID      uuid.UUID `json:"moduleId"`
	MetadataDelta []byte    `json:"metadataDelta"`
	ILDelta       []byte    `json:"ilDelta"`
}

// UpdatePayload is the wire form of one update batch. Type is set only on
// the browser channel.
type UpdatePayload struct {
	Type   string        `json:"type,omitempty"`
	Deltas []UpdateDelta `json:"deltas"`
}

// DiagnosticsMessage ships formatted error diagnostics to the browser
// overlay.
type DiagnosticsMessage struct {
	Type        string   `json:"type"`
	Diagnostics []string `json:"diagnostics"`
}

// NewDiagnosticsMessage builds a tagged diagnostics message.
func NewDiagnosticsMessage(diagnostics []string) DiagnosticsMessage {
	return DiagnosticsMessage{
		Type:        PayloadTypeDiagnostics,
		Diagnostics: diagnostics,
	}
}

// PayloadFromBatch converts a batch's updates to wire form. tagged selects
// the browser-channel variant carrying the "type" field.
func PayloadFromBatch(batch delta.UpdateBatch, tagged bool) UpdatePayload {
	payload := UpdatePayload{
		Deltas: make([]UpdateDelta, 0, len(batch.Updates)),
	}
	if tagged {
		payload.Type = PayloadTypeDelta
	}
	for _, update := range batch.Updates {
		payload.Deltas = append(payload.Deltas, UpdateDelta{
			ModuleID:      update.ModuleID,
			MetadataDelta: update.MetadataDelta,
			ILDelta:       update.ILDelta,
		})
	}
	return payload
}

// ModuleUpdates converts the payload's deltas back to the orchestrator
// model. The returned slices alias the payload's decoded buffers (borrowed
// views); callers must not retain them past the apply.
func (p UpdatePayload) ModuleUpdates() []delta.ModuleUpdate {
	updates := make([]delta.ModuleUpdate, 0, len(p.Deltas))
	for _, d := range p.Deltas {
		updates = append(updates, delta.ModuleUpdate{
			ModuleID:      d.ModuleID,
			MetadataDelta: d.MetadataDelta,
			ILDelta:       d.ILDelta,
		})
	}
	return updates
}

// Validate rejects deltas whose decoded byte arrays are empty alongside a
// non-nil module id.
func (p UpdatePayload) Validate() error {
	for i, d := range p.Deltas {
		if d.ModuleID != uuid.Nil && (len(d.MetadataDelta) == 0 || len(d.ILDelta) == 0) {
			return fmt.Errorf("delta %d (module %s): %w", i, d.ModuleID, ErrEmptyDelta)
		}
	}
	return nil
}

// Encoder writes payload documents to a byte stream.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodePayload writes one update payload document.
func (e *Encoder) EncodePayload(p UpdatePayload) error {
	if err := e.enc.Encode(p); err != nil {
		return fmt.Errorf("encode update payload: %w", err)
	}
	return nil
}

// EncodeDiagnostics writes one diagnostics document.
func (e *Encoder) EncodeDiagnostics(m DiagnosticsMessage) error {
	if err := e.enc.Encode(m); err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	return nil
}

// Decoder reads payload documents from a byte stream. Consecutive documents
// need no separator beyond what encoding/json emits.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// DecodePayload reads and validates the next update payload. io.EOF is
// passed through untouched so callers can detect an orderly close.
func (d *Decoder) DecodePayload() (UpdatePayload, error) {
	var payload UpdatePayload
	if err := d.dec.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return UpdatePayload{}, io.EOF
		}
		return UpdatePayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return UpdatePayload{}, err
	}
	return payload, nil
}

// WriteAck writes the one-byte acknowledgement. AckNone is synthesized
// locally and must never be written.
func WriteAck(w io.Writer, ack Ack) error {
	if ack == AckNone {
		return fmt.Errorf("ack %s is not a wire value", ack)
	}
	if _, err := w.Write([]byte{byte(ack)}); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

// ReadAck reads the one-byte acknowledgement.
func ReadAck(r io.Reader) (Ack, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return AckNone, fmt.Errorf("read ack: %w", err)
	}
	ack := Ack(int8(buf[0]))
	switch ack {
	case AckFailed, AckSuccess, AckSuccessRefresh:
		return ack, nil
	default:
		return AckNone, fmt.Errorf("%w: unknown ack byte 0x%02x", ErrMalformedPayload, buf[0])
	}
}
