package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses encoding/json. Numbers are decoded as json.Number so that ids and arguments
// survive a decode/encode cycle without losing precision.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
