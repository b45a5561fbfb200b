// Copyright 2025 Blink Labs Software
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

package queue

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Item is a queued operation as persisted. Only the sealed payload is
// stored; there is no plaintext field.
type Item struct {
	ID              string        `cbor:"1,keyasint"`
	OperationType   OperationType `cbor:"2,keyasint"`
	Priority        uint8         `cbor:"3,keyasint"`
	Status          Status        `cbor:"4,keyasint"`
	Terminal        bool          `cbor:"5,keyasint,omitempty"`
	Ciphertext      []byte        `cbor:"6,keyasint"`
	IV              []byte        `cbor:"7,keyasint"`
	KeyID           string        `cbor:"8,keyasint"`
	PayloadHash     string        `cbor:"9,keyasint"`
	RetryCount      int           `cbor:"10,keyasint,omitempty"`
	LastError       string        `cbor:"11,keyasint,omitempty"`
	ErrorClass      string        `cbor:"12,keyasint,omitempty"`
	RelatedEntityID string        `cbor:"13,keyasint,omitempty"`
	Seq             uint64        `cbor:"14,keyasint"`
	NextRetryAt     time.Time     `cbor:"15,keyasint"`
	ScheduledAt     time.Time     `cbor:"16,keyasint"`
	CreatedAt       time.Time     `cbor:"17,keyasint"`
	UpdatedAt       time.Time     `cbor:"18,keyasint"`
	ExpiresAt       time.Time     `cbor:"19,keyasint"`
}

// Expired reports whether the item is past its expiry at now.
func (i *Item) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Due reports whether a pending item may be dispatched at now.
func (i *Item) Due(now time.Time) bool {
	return !i.Expired(now) &&
		!i.ScheduledAt.After(now) &&
		!i.NextRetryAt.After(now)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
		Sort: cbor.SortCoreDeterministic,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeItem(item *Item) ([]byte, error) {
	return encMode.Marshal(item)
}

func decodeItem(data []byte) (*Item, error) {
	var item Item
	if err := decMode.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode queue item: %w", err)
	}
	return &item, nil
}

// Key layout:
//
//	q/item/<id>                                  item record
//	q/idx/<status>/<255-priority><seq BE>/<id>   dispatch order per status
//	q/exp/<expiresAt ns BE>/<id>                 expiry sweep
const (
	itemPrefix   = "q/item/"
	indexPrefix  = "q/idx/"
	expiryPrefix = "q/exp/"
	seqKey       = "q/seq"
)

func itemKey(id string) []byte {
	return []byte(itemPrefix + id)
}

func statusPrefix(status Status) []byte {
	return []byte(indexPrefix + string(status) + "/")
}

func indexKey(item *Item) []byte {
	key := statusPrefix(item.Status)
	key = append(key, 255-item.Priority)
	key = binary.BigEndian.AppendUint64(key, item.Seq)
	key = append(key, '/')
	return append(key, item.ID...)
}

func expiryKey(item *Item) []byte {
	key := []byte(expiryPrefix)
	key = binary.BigEndian.AppendUint64(key, uint64(max(item.ExpiresAt.UnixNano(), 0))) //nolint:gosec // clamped
	key = append(key, '/')
	return append(key, item.ID...)
}

// idFromIndexKey extracts the trailing id of an index key.
func idFromIndexKey(key []byte, prefixLen int) string {
	// status prefix, priority byte, sequence, separator
	return string(key[prefixLen+1+8+1:])
}

// expiryFromKey decodes the timestamp and id of an expiry key.
func expiryFromKey(key []byte) (time.Time, string) {
	rest := key[len(expiryPrefix):]
	ns := binary.BigEndian.Uint64(rest[:8])
	return time.Unix(0, int64(ns)), string(rest[9:]) //nolint:gosec // written from a non-negative int64
}
