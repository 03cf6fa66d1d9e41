package plc

import "github.com/timzifer/softplc/pointio"

type binding[C any] struct {
	cell  C
	point pointio.Point
}

// registry keeps the label to cell/point bindings of one point class in
// registration order, so bulk phases visit points deterministically.
type registry[C any] struct {
	kind     pointio.Kind
	bindings map[string]*binding[C]
	order    []string
}

func newRegistry[C any](kind pointio.Kind) *registry[C] {
	return &registry[C]{kind: kind, bindings: make(map[string]*binding[C])}
}

func (r *registry[C]) add(label string, cell C, point pointio.Point) error {
	if _, ok := r.bindings[label]; ok {
		return configErrorf("%s point %q already registered", r.kind, label)
	}
	r.bindings[label] = &binding[C]{cell: cell, point: point}
	r.order = append(r.order, label)
	return nil
}

func (r *registry[C]) get(label string) (*binding[C], error) {
	b, ok := r.bindings[label]
	if !ok {
		return nil, configErrorf("unknown %s point %q", r.kind, label)
	}
	return b, nil
}

func (r *registry[C]) each(fn func(b *binding[C]) error) error {
	for _, label := range r.order {
		if err := fn(r.bindings[label]); err != nil {
			return err
		}
	}
	return nil
}

func (r *registry[C]) len() int {
	return len(r.order)
}
