// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for persisted
// session records. Encoding is deterministic (RFC 8949 §4.2 Core
// Deterministic Encoding): the same logical record always produces
// identical bytes, so stored rows are stable across rewrites and
// safe to compare.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Warden never uses non-string map keys. Any-typed targets
		// decode to map[string]any rather than the CBOR default
		// map[interface{}]interface{}, which nothing downstream can
		// consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes value as deterministic CBOR.
func Marshal(value any) ([]byte, error) {
	data, err := encMode.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %T: %w", value, err)
	}
	return data, nil
}

// Unmarshal decodes CBOR data into target. Unknown fields are
// ignored for forward compatibility with older stored records.
func Unmarshal(data []byte, target any) error {
	if err := decMode.Unmarshal(data, target); err != nil {
		return fmt.Errorf("codec: unmarshal %T: %w", target, err)
	}
	return nil
}
