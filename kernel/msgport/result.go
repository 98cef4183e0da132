package msgport

// ResultKind names the variant of a Result.
type ResultKind uint8

const (
	ResultNone ResultKind = iota
	ResultPtr
	ResultInt
	ResultLong
	ResultFds
	ResultInt32
	ResultInt64
	ResultOff
)

func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "none"
	case ResultPtr:
		return "ptr"
	case ResultInt:
		return "int"
	case ResultLong:
		return "long"
	case ResultFds:
		return "fds"
	case ResultInt32:
		return "int32"
	case ResultInt64:
		return "int64"
	case ResultOff:
		return "off"
	default:
		return "unknown"
	}
}

// Result is the value a message returns. Exactly one variant is valid for
// a given command; Registry.DefineCmd records which.
type Result interface {
	Kind() ResultKind
}

// PtrResult carries an arbitrary reference.
type PtrResult struct{ Ptr any }

// IntResult carries a native int.
type IntResult int

// LongResult carries a long.
type LongResult int64

// FdsResult carries two descriptors, as returned by pipe or socketpair.
type FdsResult [2]int32

// Int32Result carries a 32-bit value.
type Int32Result int32

// Int64Result carries a 64-bit value.
type Int64Result int64

// OffResult carries a file offset.
type OffResult int64

func (PtrResult) Kind() ResultKind   { return ResultPtr }
func (IntResult) Kind() ResultKind   { return ResultInt }
func (LongResult) Kind() ResultKind  { return ResultLong }
func (FdsResult) Kind() ResultKind   { return ResultFds }
func (Int32Result) Kind() ResultKind { return ResultInt32 }
func (Int64Result) Kind() ResultKind { return ResultInt64 }
func (OffResult) Kind() ResultKind   { return ResultOff }

// ResultAs returns m's result as variant T.
func ResultAs[T Result](m *Msg) (T, bool) {
	r, ok := m.Result.(T)
	return r, ok
}

func resultKind(r Result) ResultKind {
	if r == nil {
		return ResultNone
	}
	return r.Kind()
}
