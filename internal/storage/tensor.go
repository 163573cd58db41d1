package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

func encodeTensor(path string, t *tensors.Tensor) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil tensor for %s", ErrConfiguration, path)
	}

	var buf bytes.Buffer
	if err := t.GobSerialize(gob.NewEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("failed to serialize tensor %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

func decodeTensor(path string, data []byte) (*tensors.Tensor, error) {
	t, err := tensors.GobDeserialize(gob.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize tensor %s: %w", ErrDecode, path, err)
	}
	return t, nil
}
