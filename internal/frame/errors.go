package frame

import "errors"

// Kind classifies where in the frame pipeline a request failed.
type Kind string

const (
	KindDecode        Kind = "decode"
	KindDimension     Kind = "dimension"
	KindInvalidParams Kind = "invalid_params"
	KindInference     Kind = "inference"
	KindEmptyResult   Kind = "empty_result"
	KindEncode        Kind = "encode"
)

// ErrNoImageGenerated is wrapped by empty result errors.
var ErrNoImageGenerated = errors.New("no image generated")

// Error carries the failure kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError wraps err with a kind. A nil err stays nil.
func NewError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the kind of the first frame.Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}
