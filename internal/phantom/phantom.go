// Package phantom holds the per-voxel tissue parameter map that a simulation
// run is built from.
package phantom

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// Channel indexes the five per-voxel parameters.
type Channel int

const (
	PD Channel = iota
	T1
	T2
	DB0
	B1

	NumChannels = 5
)

// Cutoff is the floor applied to relaxation times after interpolation.
const Cutoff = 1e-12

var ErrInvalidPhantom = errors.New("invalid phantom")

type Voxel struct {
	PD  float64 `json:"pd"`
	T1  float64 `json:"t1"`
	T2  float64 `json:"t2"`
	DB0 float64 `json:"db0"`
	B1  float64 `json:"b1"`
}

// Phantom is a dense Nx x Ny grid of voxels, indexed row-major (v = i*Ny + j).
type Phantom struct {
	nx, ny int
	data   []float64
}

// Point places a voxel at grid position (I, J).
type Point struct {
	I, J  int
	Voxel Voxel
}

func New(nx, ny int) (*Phantom, error) {
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("%w: grid %dx%d", ErrInvalidPhantom, nx, ny)
	}
	return &Phantom{nx: nx, ny: ny, data: make([]float64, nx*ny*NumChannels)}, nil
}

// PointSources builds a phantom that is empty except for the given points.
func PointSources(nx, ny int, points ...Point) (*Phantom, error) {
	p, err := New(nx, ny)
	if err != nil {
		return nil, err
	}
	for _, pt := range points {
		if err := p.Set(pt.I, pt.J, pt.Voxel); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Uniform fills every voxel with v.
func Uniform(nx, ny int, v Voxel) (*Phantom, error) {
	p, err := New(nx, ny)
	if err != nil {
		return nil, err
	}
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			_ = p.Set(i, j, v)
		}
	}
	return p, nil
}

func (p *Phantom) Size() (int, int) { return p.nx, p.ny }

func (p *Phantom) NVox() int { return p.nx * p.ny }

func (p *Phantom) Set(i, j int, v Voxel) error {
	if i < 0 || i >= p.nx || j < 0 || j >= p.ny {
		return fmt.Errorf("%w: voxel (%d,%d) outside %dx%d", ErrInvalidPhantom, i, j, p.nx, p.ny)
	}
	base := (i*p.ny + j) * NumChannels
	p.data[base+int(PD)] = v.PD
	p.data[base+int(T1)] = v.T1
	p.data[base+int(T2)] = v.T2
	p.data[base+int(DB0)] = v.DB0
	p.data[base+int(B1)] = v.B1
	return nil
}

func (p *Phantom) At(i, j int) Voxel {
	base := (i*p.ny + j) * NumChannels
	return Voxel{
		PD:  p.data[base+int(PD)],
		T1:  p.data[base+int(T1)],
		T2:  p.data[base+int(T2)],
		DB0: p.data[base+int(DB0)],
		B1:  p.data[base+int(B1)],
	}
}

// Channel returns a copy of one parameter channel in voxel order.
func (p *Phantom) Channel(c Channel) []float64 {
	out := make([]float64, p.NVox())
	for v := range out {
		out[v] = p.data[v*NumChannels+int(c)]
	}
	return out
}

func (p *Phantom) Validate() error {
	for i := 0; i < p.nx; i++ {
		for j := 0; j < p.ny; j++ {
			v := p.At(i, j)
			for _, x := range []float64{v.PD, v.T1, v.T2, v.DB0, v.B1} {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					return fmt.Errorf("%w: non-finite value at (%d,%d)", ErrInvalidPhantom, i, j)
				}
			}
			if v.PD < 0 {
				return fmt.Errorf("%w: negative PD at (%d,%d)", ErrInvalidPhantom, i, j)
			}
			if v.PD > 0 && (v.T1 <= 0 || v.T2 <= 0) {
				return fmt.Errorf("%w: relaxation times must be > 0 at (%d,%d)", ErrInvalidPhantom, i, j)
			}
		}
	}
	return nil
}

// Resize returns a bilinearly interpolated copy on an nx x ny grid. PD is
// clamped at zero and relaxation times at Cutoff.
func (p *Phantom) Resize(nx, ny int) (*Phantom, error) {
	out, err := New(nx, ny)
	if err != nil {
		return nil, err
	}
	for i := 0; i < nx; i++ {
		si := sourceCoord(i, nx, p.nx)
		for j := 0; j < ny; j++ {
			sj := sourceCoord(j, ny, p.ny)
			base := (i*ny + j) * NumChannels
			for c := 0; c < NumChannels; c++ {
				out.data[base+c] = p.bilinear(si, sj, c)
			}
			if out.data[base+int(PD)] < 0 {
				out.data[base+int(PD)] = 0
			}
			for _, c := range []Channel{T1, T2} {
				if out.data[base+int(c)] < Cutoff {
					out.data[base+int(c)] = Cutoff
				}
			}
		}
	}
	return out, nil
}

func sourceCoord(dst, dstN, srcN int) float64 {
	x := (float64(dst)+0.5)*float64(srcN)/float64(dstN) - 0.5
	return math.Max(0, math.Min(x, float64(srcN-1)))
}

func (p *Phantom) bilinear(x, y float64, c int) float64 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, p.nx-1), min(y0+1, p.ny-1)
	fx, fy := x-float64(x0), y-float64(y0)
	at := func(i, j int) float64 { return p.data[(i*p.ny+j)*NumChannels+c] }
	top := at(x0, y0)*(1-fy) + at(x0, y1)*fy
	bottom := at(x1, y0)*(1-fy) + at(x1, y1)*fy
	return top*(1-fx) + bottom*fx
}

type fileFormat struct {
	Nx     int       `json:"nx"`
	Ny     int       `json:"ny"`
	Voxels []float64 `json:"voxels"`
}

// Load reads a phantom stored as {"nx","ny","voxels"} with voxels laid out
// as [Nx][Ny][5].
func Load(r io.Reader) (*Phantom, error) {
	var f fileFormat
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode phantom: %w", err)
	}
	p, err := New(f.Nx, f.Ny)
	if err != nil {
		return nil, err
	}
	if len(f.Voxels) != len(p.data) {
		return nil, fmt.Errorf("%w: %d values for %dx%dx%d grid", ErrInvalidPhantom, len(f.Voxels), f.Nx, f.Ny, NumChannels)
	}
	copy(p.data, f.Voxels)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Phantom) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(fileFormat{Nx: p.nx, Ny: p.ny, Voxels: p.data})
}
