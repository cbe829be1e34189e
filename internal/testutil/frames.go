// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"encoding/json"
	"fmt"
)

// Frame is an outbound frame as a client sees it on the wire.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %s has no data", f.Type)
	}
	return json.Unmarshal(f.Data, v)
}

// Field returns a top-level payload field, or nil when absent.
func (f Frame) Field(name string) interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return nil
	}
	return m[name]
}

func toFrame(v interface{}) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	err = json.Unmarshal(data, &f)
	return f, err
}
