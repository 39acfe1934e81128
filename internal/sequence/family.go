package sequence

import (
	"errors"
	"fmt"
	"strings"
)

// Family is the closed set of supported sequence families.
type Family int

const (
	GRE Family = iota
	RARE
	BSSFP
	EPI
)

var ErrUnsupportedFamily = errors.New("unsupported sequence family")

var familyNames = map[Family]string{
	GRE:   "gre",
	RARE:  "rare",
	BSSFP: "bssfp",
	EPI:   "epi",
}

func Families() []Family { return []Family{GRE, RARE, BSSFP, EPI} }

func (f Family) String() string {
	if name, ok := familyNames[f]; ok {
		return name
	}
	return fmt.Sprintf("family(%d)", int(f))
}

func (f Family) Valid() bool {
	_, ok := familyNames[f]
	return ok
}

func ParseFamily(name string) (Family, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for f, n := range familyNames {
		if n == key {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFamily, name)
}

func (f Family) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFamily, int(f))
	}
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Build dispatches to the family's builder.
func Build(f Family, size [2]int, opts Options) (*Params, error) {
	switch f {
	case GRE:
		return CartesianGRE(size, opts)
	case RARE:
		return CartesianRARE(size, opts)
	case BSSFP:
		return CartesianBSSFP(size, opts)
	case EPI:
		return SingleShotEPI(size, opts)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFamily, int(f))
	}
}

// ReadoutSamples is the number of ADC events a family acquires per
// repetition for the given grid.
func ReadoutSamples(f Family, size [2]int) int {
	if f == EPI {
		return size[0] * size[1]
	}
	return size[0]
}
