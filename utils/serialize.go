package utils

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Serialize encodes o as the JSON blob kept in the store.
func Serialize(o any) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, errors.Annotatef(err, "serialize %T", o)
	}
	return b, nil
}

// Unserialize decodes a blob written by Serialize into o.
func Unserialize(b []byte, o any) error {
	if len(b) == 0 {
		return errors.NotValidf("empty blob for %T", o)
	}
	return errors.Annotatef(json.Unmarshal(b, o), "unserialize into %T", o)
}
