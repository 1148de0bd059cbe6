package termination

import "github.com/vmihailenco/msgpack/v5"

// Info is the side payload of a SynchronizedWith round. The coordinator
// resets and updates it when the second lap starts; every other node loads
// the value it receives, updates it with its local contribution and relays
// it. The value the coordinator receives back is sent around once more so
// that every node ends with the same result.
type Info interface {
	// Reset restores the value a reduction starts from.
	Reset()

	// Update folds the local contribution into the value.
	Update()

	MarshalInfo() ([]byte, error)
	UnmarshalInfo(data []byte) error
}

// A Reduction is an Info whose value is combined by an update function on
// every node, for example a sum of local counters.
type Reduction[T any] struct {
	Value T

	initial T
	update  func(acc *T)
}

// NewReduction creates a reduction starting from initial. update is called
// once per node and lap to fold the local contribution into the value.
func NewReduction[T any](initial T, update func(acc *T)) *Reduction[T] {
	return &Reduction[T]{
		Value:   initial,
		initial: initial,
		update:  update,
	}
}

// Reset sets the value back to the initial value.
func (r *Reduction[T]) Reset() {
	r.Value = r.initial
}

// Update applies the update function.
func (r *Reduction[T]) Update() {
	if r.update != nil {
		r.update(&r.Value)
	}
}

// MarshalInfo encodes the value with msgpack.
func (r *Reduction[T]) MarshalInfo() ([]byte, error) {
	return msgpack.Marshal(r.Value)
}

// UnmarshalInfo replaces the value with the decoded data.
func (r *Reduction[T]) UnmarshalInfo(data []byte) error {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return err
	}

	r.Value = v

	return nil
}

// Static is an Info that is never updated. It broadcasts the value of the
// coordinator to every node.
type Static[T any] struct {
	Value T
}

// Reset does nothing.
func (s *Static[T]) Reset() {}

// Update does nothing.
func (s *Static[T]) Update() {}

// MarshalInfo encodes the value with msgpack.
func (s *Static[T]) MarshalInfo() ([]byte, error) {
	return msgpack.Marshal(s.Value)
}

// UnmarshalInfo replaces the value with the decoded data.
func (s *Static[T]) UnmarshalInfo(data []byte) error {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return err
	}

	s.Value = v

	return nil
}
