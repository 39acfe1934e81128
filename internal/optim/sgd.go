package optim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"mrgradopt/internal/model"
)

// SGD is plain gradient descent with the mask applied to the gradient.
// Sparse gradients are scattered onto their indices.
type SGD struct {
	lr      float64
	tensors []*Tensor
	steps   int
}

func NewSGD(tensors []*Tensor, lr float64) (*SGD, error) {
	if lr < 0 || math.IsNaN(lr) {
		return nil, fmt.Errorf("%w: learning rate %v", ErrInvalidHyperparameter, lr)
	}
	tr, err := trainable(tensors)
	if err != nil {
		return nil, err
	}
	return &SGD{lr: lr, tensors: tr}, nil
}

func (s *SGD) Name() string { return KindSGD }

func (s *SGD) Step(ctx context.Context, closure Closure) (float64, error) {
	if closure == nil {
		return 0, errClosureRequired
	}
	loss, err := closure(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range s.tensors {
		lr := t.lr(s.lr)
		if t.Grad.Sparse() {
			for k, idx := range t.Grad.Indices {
				if m := t.MaskAt(idx); m != 0 {
					t.Data[idx] -= lr * t.Grad.Values[k] * m
				}
			}
			continue
		}
		for i, g := range t.Grad.Dense {
			if m := t.MaskAt(i); m != 0 {
				t.Data[i] -= lr * g * m
			}
		}
	}
	s.steps++
	return loss, nil
}

func (s *SGD) State() ([]byte, error) {
	return json.Marshal(checkpointState{
		VersionedRecord: model.VersionedRecord{SchemaVersion: StateSchemaVersion, CodecVersion: StateCodecVersion},
		Kind:            KindSGD,
		Sizes:           sizes(s.tensors),
	})
}

func (s *SGD) LoadState(data []byte) error {
	var cp checkpointState
	return decodeState(data, KindSGD, s.tensors, &cp)
}
