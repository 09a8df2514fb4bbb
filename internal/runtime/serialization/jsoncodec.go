package serialization

import (
	"io"

	"github.com/bytedance/sonic"
)

var jsonConfig = sonic.ConfigStd

// Marshal encodes v with sonic using encoding/json compatible settings.
func Marshal(v any) ([]byte, error) {
	return jsonConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return jsonConfig.Unmarshal(data, v)
}

// Encode writes v to w as a single JSON document.
func Encode(w io.Writer, v any) error {
	return jsonConfig.NewEncoder(w).Encode(v)
}
