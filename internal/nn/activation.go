package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var ErrUnknownActivation = errors.New("unknown activation")

// Activation identifies one of the built-in scalar nonlinearities. The numeric
// value is the code written by the network codec and must never be reordered.
type Activation int32

const (
	SoftPlus Activation = iota
	ReLU
	Tanh
	LogSig
	Identity
)

type ActivationFunc func(x float64) float64

type activationEntry struct {
	name string
	fn   ActivationFunc
}

var activationRegistry = [...]activationEntry{
	SoftPlus: {name: "softplus", fn: func(x float64) float64 { return math.Log(math.Exp(x) + 1) }},
	ReLU: {name: "relu", fn: func(x float64) float64 {
		if x > 0 {
			return x
		}
		return 0
	}},
	Tanh:     {name: "tanh", fn: math.Tanh},
	LogSig:   {name: "logsig", fn: func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) }},
	Identity: {name: "identity", fn: func(x float64) float64 { return x }},
}

func (a Activation) Valid() bool {
	return a >= 0 && int(a) < len(activationRegistry)
}

func (a Activation) String() string {
	if !a.Valid() {
		return fmt.Sprintf("activation(%d)", int32(a))
	}
	return activationRegistry[a].name
}

// Func returns the scalar function for a. Callers validate a first; an
// invalid code yields nil.
func (a Activation) Func() ActivationFunc {
	if !a.Valid() {
		return nil
	}
	return activationRegistry[a].fn
}

func (a Activation) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownActivation, int32(a))
	}
	return []byte(a.String()), nil
}

func (a *Activation) UnmarshalText(text []byte) error {
	parsed, err := ParseActivation(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ActivationFromCode maps a serialized code back to its Activation.
func ActivationFromCode(code int32) (Activation, error) {
	a := Activation(code)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: code %d", ErrUnknownActivation, code)
	}
	return a, nil
}

// ParseActivation accepts the lower-case registry names used in run configs.
func ParseActivation(name string) (Activation, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	switch normalized {
	case "soft_plus":
		normalized = "softplus"
	case "sigmoid", "log_sig":
		normalized = "logsig"
	case "linear":
		normalized = "identity"
	}
	for i, entry := range activationRegistry {
		if entry.name == normalized {
			return Activation(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownActivation, name)
}

func ListActivations() []string {
	names := make([]string, 0, len(activationRegistry))
	for _, entry := range activationRegistry {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}
