package scanner

import "math"

// rotation is a right-handed rotation by angle about the transverse axis
// (cos phase, sin phase, 0), stored as a row-major 3x3 matrix.
type rotation [9]float64

func newRotation(angle, phase float64) *rotation {
	sa, ca := math.Sincos(angle)
	sp, cp := math.Sincos(phase)
	nx, ny := cp, sp
	k := 1 - ca
	return &rotation{
		ca + nx*nx*k, nx * ny * k, ny * sa,
		nx * ny * k, ca + ny*ny*k, -nx * sa,
		-ny * sa, nx * sa, ca,
	}
}

func (m *rotation) apply(x, y, z float64) (float64, float64, float64) {
	return m[0]*x + m[1]*y + m[2]*z,
		m[3]*x + m[4]*y + m[5]*z,
		m[6]*x + m[7]*y + m[8]*z
}
