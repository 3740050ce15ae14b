package fluid

// ID is a fluid type tag ("WATER", "LAVA", ...).
type ID string

// Stack is a typed fluid quantity. It is a plain value; copies are independent.
type Stack struct {
	Fluid  ID  `json:"fluid" yaml:"fluid"`
	Amount int `json:"amount" yaml:"amount"`
}

func New(id ID, amount int) Stack {
	if amount < 0 {
		amount = 0
	}
	return Stack{Fluid: id, Amount: amount}
}

// IsEmpty reports an absent quantity.
func (s Stack) IsEmpty() bool { return s.Fluid == "" || s.Amount <= 0 }

// FluidEqual compares types only; amounts are ignored.
func (s Stack) FluidEqual(o Stack) bool { return s.Fluid != "" && s.Fluid == o.Fluid }

func (s Stack) Copy() Stack { return s }

// WithAmount returns a copy carrying n units (never negative).
func (s Stack) WithAmount(n int) Stack {
	if n < 0 {
		n = 0
	}
	s.Amount = n
	return s
}

// TankInfo describes one sub-reservoir exposed by an endpoint.
type TankInfo struct {
	Contents Stack `json:"contents"`
	Capacity int   `json:"capacity"`
	CanFill  bool  `json:"can_fill"`
	CanDrain bool  `json:"can_drain"`
}
