package engine

import (
	"errors"
	"fmt"
)

// Code is the result code reported by the load operations.
type Code int

const (
	CodeNone Code = iota
	CodeLoadData
	CodeLoadVoice
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "ERROR_NONE"
	case CodeLoadData:
		return "ERROR_LOAD_DATA"
	case CodeLoadVoice:
		return "ERROR_LOAD_VOICE"
	default:
		return fmt.Sprintf("ERROR_%d", int(c))
	}
}

var (
	ErrLoadData  = errors.New("stage data failed to load")
	ErrLoadVoice = errors.New("voice failed to load")
)

// LoadError names the stage or voice whose resources could not be loaded.
type LoadError struct {
	Code  Code
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() []error {
	sentinel := ErrLoadData
	if e.Code == CodeLoadVoice {
		sentinel = ErrLoadVoice
	}
	return []error{sentinel, e.Err}
}

// CodeOf maps the error returned by LoadModules or LoadSynthesizer to its
// result code.
func CodeOf(err error) Code {
	var le *LoadError
	switch {
	case err == nil:
		return CodeNone
	case errors.As(err, &le):
		return le.Code
	case errors.Is(err, ErrLoadVoice):
		return CodeLoadVoice
	default:
		return CodeLoadData
	}
}
