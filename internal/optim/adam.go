package optim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"mrgradopt/internal/model"
)

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	AMSGrad     bool
}

// DefaultAdamConfig mirrors the usual Adam defaults.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

func (c AdamConfig) withDefaults() AdamConfig {
	def := DefaultAdamConfig()
	if c.LR == 0 {
		c.LR = def.LR
	}
	if c.Beta1 == 0 {
		c.Beta1 = def.Beta1
	}
	if c.Beta2 == 0 {
		c.Beta2 = def.Beta2
	}
	if c.Eps == 0 {
		c.Eps = def.Eps
	}
	return c
}

func (c AdamConfig) Validate() error {
	if c.LR < 0 || math.IsNaN(c.LR) {
		return fmt.Errorf("%w: learning rate %v", ErrInvalidHyperparameter, c.LR)
	}
	if c.Eps < 0 {
		return fmt.Errorf("%w: epsilon %v", ErrInvalidHyperparameter, c.Eps)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("%w: beta1 %v", ErrInvalidHyperparameter, c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("%w: beta2 %v", ErrInvalidHyperparameter, c.Beta2)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("%w: weight decay %v", ErrInvalidHyperparameter, c.WeightDecay)
	}
	return nil
}

type adamState struct {
	Step     int       `json:"step"`
	ExpAvg   []float64 `json:"exp_avg"`
	ExpAvgSq []float64 `json:"exp_avg_sq"`
	MaxAvgSq []float64 `json:"max_exp_avg_sq,omitempty"`
}

// MaskedAdam is Adam whose first moment is multiplied by the tensor mask
// before every update, so masked elements never move even when their
// gradient or weight decay is non-zero.
type MaskedAdam struct {
	cfg     AdamConfig
	tensors []*Tensor
	state   map[string]*adamState
}

func NewMaskedAdam(tensors []*Tensor, cfg AdamConfig) (*MaskedAdam, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := trainable(tensors)
	if err != nil {
		return nil, err
	}
	return &MaskedAdam{cfg: cfg, tensors: tr, state: map[string]*adamState{}}, nil
}

func (a *MaskedAdam) Name() string { return KindAdam }

func (a *MaskedAdam) Step(ctx context.Context, closure Closure) (float64, error) {
	if closure == nil {
		return 0, errClosureRequired
	}
	loss, err := closure(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range a.tensors {
		if t.Grad.Sparse() {
			return loss, fmt.Errorf("%w: tensor %s", ErrSparseGradient, t.Name)
		}
	}
	for _, t := range a.tensors {
		a.update(t)
	}
	return loss, nil
}

func (a *MaskedAdam) update(t *Tensor) {
	st, ok := a.state[t.Name]
	if !ok {
		st = &adamState{ExpAvg: make([]float64, len(t.Data)), ExpAvgSq: make([]float64, len(t.Data))}
		if a.cfg.AMSGrad {
			st.MaxAvgSq = make([]float64, len(t.Data))
		}
		a.state[t.Name] = st
	}
	grad := t.DenseGrad()
	st.Step++
	b1, b2 := a.cfg.Beta1, a.cfg.Beta2
	bc1 := 1 - math.Pow(b1, float64(st.Step))
	bc2 := 1 - math.Pow(b2, float64(st.Step))
	stepSize := t.lr(a.cfg.LR) * math.Sqrt(bc2) / bc1

	for i := range t.Data {
		g := grad[i]
		if a.cfg.WeightDecay != 0 {
			g += a.cfg.WeightDecay * t.Data[i]
		}
		st.ExpAvg[i] = b1*st.ExpAvg[i] + (1-b1)*g
		st.ExpAvgSq[i] = b2*st.ExpAvgSq[i] + (1-b2)*g*g
		sq := st.ExpAvgSq[i]
		if a.cfg.AMSGrad {
			st.MaxAvgSq[i] = math.Max(st.MaxAvgSq[i], sq)
			sq = st.MaxAvgSq[i]
		}
		m := t.MaskAt(i)
		if m == 0 {
			st.ExpAvg[i] = 0
			continue
		}
		st.ExpAvg[i] *= m
		t.Data[i] -= stepSize * st.ExpAvg[i] / (math.Sqrt(sq) + a.cfg.Eps)
	}
}

type checkpointState struct {
	model.VersionedRecord
	Kind  string                `json:"kind"`
	Adam  map[string]*adamState `json:"adam,omitempty"`
	Sizes map[string]int        `json:"sizes"`
}

func sizes(tensors []*Tensor) map[string]int {
	out := make(map[string]int, len(tensors))
	for _, t := range tensors {
		out[t.Name] = len(t.Data)
	}
	return out
}

func (a *MaskedAdam) State() ([]byte, error) {
	return json.Marshal(checkpointState{
		VersionedRecord: model.VersionedRecord{SchemaVersion: StateSchemaVersion, CodecVersion: StateCodecVersion},
		Kind:            KindAdam,
		Adam:            a.state,
		Sizes:           sizes(a.tensors),
	})
}

func (a *MaskedAdam) LoadState(data []byte) error {
	var cp checkpointState
	if err := decodeState(data, KindAdam, a.tensors, &cp); err != nil {
		return err
	}
	for _, t := range a.tensors {
		st, ok := cp.Adam[t.Name]
		if !ok {
			continue
		}
		if len(st.ExpAvg) != len(t.Data) || len(st.ExpAvgSq) != len(t.Data) {
			return fmt.Errorf("%w: moments of %s", ErrStateMismatch, t.Name)
		}
		if a.cfg.AMSGrad && len(st.MaxAvgSq) != len(t.Data) {
			st.MaxAvgSq = append([]float64(nil), st.ExpAvgSq...)
		}
	}
	a.state = cp.Adam
	if a.state == nil {
		a.state = map[string]*adamState{}
	}
	return nil
}
