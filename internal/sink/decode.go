package sink

import (
	"encoding/json"
	"strings"
)

func newDecoder(payload string) *json.Decoder {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec
}
