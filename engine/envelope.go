/*
Copyright (C) 2026  Lithair Contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package engine

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// schemaVersion is bumped whenever the on-disk envelope shape changes.
// ParseEnvelopeLine refuses to guess at an unknown version: it reports
// CorruptHeader, and Replay skips such a line like any malformed line.
const schemaVersion = 1

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Envelope is the unit of persistence and replication: every state
// change enters the system as one of these, in log_index order.
type Envelope struct {
	SchemaVersion  uint8     `json:"schema_version"`
	EventType      string    `json:"event_type"`
	AggregateID    string    `json:"aggregate_id,omitempty"`
	EventID        string    `json:"event_id"`
	IdempotenceKey string    `json:"idempotence_key,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	LogIndex       uint64    `json:"log_index"`
	Payload        []byte    `json:"payload,omitempty"`
	Checksum       uint32    `json:"checksum"`
}

// NewEnvelope constructs an envelope with a fresh event_id and the
// current wall-clock timestamp. log_index is left at zero; it is
// assigned later by the Engine facade at the moment the envelope enters
// the total order.
func NewEnvelope(eventType, aggregateID string, payload []byte, idempotenceKey string) Envelope {
	return Envelope{
		SchemaVersion:  schemaVersion,
		EventType:      eventType,
		AggregateID:    aggregateID,
		EventID:        uuid.New().String(),
		IdempotenceKey: idempotenceKey,
		Timestamp:      time.Now(),
		Payload:        payload,
		Checksum:       crc32.Checksum(payload, crc32cTable),
	}
}

// IsDuplicateOf reports whether e and other carry the same idempotence
// key: two envelopes are duplicates iff their idempotence keys are both
// present and equal.
func (e Envelope) IsDuplicateOf(other Envelope) bool {
	return e.IdempotenceKey != "" && e.IdempotenceKey == other.IdempotenceKey
}

// WithIndex returns a copy of the envelope with log_index set, as done
// by the Engine facade when an apply is admitted into the total order.
func (e Envelope) WithIndex(index uint64) Envelope {
	e.LogIndex = index
	return e
}

// MarshalLine renders the envelope as one line-delimited, self-delimiting
// JSON record: no literal newlines, terminated by "\n".
func (e Envelope) MarshalLine() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}

// ParseEnvelopeLine decodes one line of a segment file. Trailing
// whitespace is tolerated; an unknown schema version or a checksum
// mismatch is reported the same way a JSON decode failure is: the
// caller treats it as one skippable malformed line.
func ParseEnvelopeLine(line []byte) (Envelope, error) {
	line = bytes.TrimRight(line, " \t\r\n")
	if len(line) == 0 {
		return Envelope{}, errEmptyLine
	}
	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, err
	}
	if e.SchemaVersion != schemaVersion {
		return Envelope{}, wrapErr(ErrCorruptHeader, "unknown envelope schema version", nil)
	}
	if crc32.Checksum(e.Payload, crc32cTable) != e.Checksum {
		return Envelope{}, wrapErr(ErrCorruptHeader, "payload checksum mismatch", nil)
	}
	return e, nil
}

var errEmptyLine = wrapErr(ErrCorruptHeader, "empty line", nil)
