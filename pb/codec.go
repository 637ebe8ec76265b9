package pb

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Marshal encodes a wire message into its binary form. Consumers treat the
// bytes as opaque; only this package knows the encoding.
func Marshal(msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

// Unmarshal decodes binary wire bytes into msg.
func Unmarshal(data []byte, msg interface{}) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}

// EncodeQueueBody wraps binary payload bytes for transports that require
// text bodies (SQS).
func EncodeQueueBody(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// DecodeQueueBody reverses EncodeQueueBody.
func DecodeQueueBody(body string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode queue body: %w", err)
	}
	return data, nil
}
