package optim

import (
	"encoding/json"
	"fmt"
)

const (
	StateSchemaVersion = 1
	StateCodecVersion  = 1
)

func decodeState(data []byte, kind string, tensors []*Tensor, cp *checkpointState) error {
	if err := json.Unmarshal(data, cp); err != nil {
		return fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	if cp.SchemaVersion != StateSchemaVersion || cp.CodecVersion != StateCodecVersion {
		return fmt.Errorf("%w: version %d/%d", ErrStateMismatch, cp.SchemaVersion, cp.CodecVersion)
	}
	if cp.Kind != kind {
		return fmt.Errorf("%w: state of %q loaded into %q", ErrStateMismatch, cp.Kind, kind)
	}
	for _, t := range tensors {
		if n, ok := cp.Sizes[t.Name]; ok && n != len(t.Data) {
			return fmt.Errorf("%w: tensor %s has %d values, state has %d", ErrStateMismatch, t.Name, len(t.Data), n)
		}
	}
	return nil
}
