package model

// PayloadKind tags the variant held by a RawPayload.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadObject
	PayloadList
	PayloadScalar
	PayloadMalformed
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEmpty:
		return "empty"
	case PayloadObject:
		return "object"
	case PayloadList:
		return "list"
	case PayloadScalar:
		return "scalar"
	case PayloadMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// RawPayload is the classified shape of a decoded body. Exactly one of the
// variant fields is meaningful, selected by Kind.
type RawPayload struct {
	Kind   PayloadKind
	Object map[string]any
	List   []any
	Scalar any
	Err    error
}

func EmptyPayload() RawPayload { return RawPayload{Kind: PayloadEmpty} }

func ObjectPayload(obj map[string]any) RawPayload {
	return RawPayload{Kind: PayloadObject, Object: obj}
}

func ListPayload(list []any) RawPayload { return RawPayload{Kind: PayloadList, List: list} }

func ScalarPayload(v any) RawPayload { return RawPayload{Kind: PayloadScalar, Scalar: v} }

func MalformedPayload(err error) RawPayload {
	return RawPayload{Kind: PayloadMalformed, Err: err}
}
