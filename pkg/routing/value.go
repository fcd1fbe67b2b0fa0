package routing

// IdentifierValue binds a value to its ring position. The position is
// computed once in NewIdentifierValue; to change the value build a new one.
type IdentifierValue[T Identify] struct {
	value      T
	identifier Identifier
}

func NewIdentifierValue[T Identify](value T) IdentifierValue[T] {
	return IdentifierValue[T]{
		value:      value,
		identifier: value.Identifier(),
	}
}

func (v IdentifierValue[T]) Value() T {
	return v.value
}

func (v IdentifierValue[T]) Identifier() Identifier {
	return v.identifier
}
