package tensor

// Option is an explicitly tagged optional value.
// Consumers read it through Get and handle both states.
type Option[T any] struct {
	value T
	ok    bool
}

func Some[T any](v T) Option[T] {
	return Option[T]{value: v, ok: true}
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

func (o Option[T]) IsSome() bool {
	return o.ok
}

// Map applies f to the value when present
func Map[T, U any](o Option[T], f func(T) U) Option[U] {
	if !o.ok {
		return None[U]()
	}
	return Some(f(o.value))
}
