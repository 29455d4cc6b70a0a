package engine

// Param names a numeric synthesis parameter.
type Param int

const (
	ParamPitch Param = iota
	ParamVolume
	ParamRate
	// ParamFrequency is the output sample rate and is read-only.
	ParamFrequency
)

func (p Param) String() string {
	switch p {
	case ParamPitch:
		return "pitch"
	case ParamVolume:
		return "volume"
	case ParamRate:
		return "rate"
	case ParamFrequency:
		return "frequency"
	default:
		return "unknown"
	}
}

// SetParam applies value to the active synthesizer and reports whether the
// parameter is supported. Frequency is never settable.
func (e *Engine) SetParam(param Param, value int) bool {
	if e.synth == nil {
		return false
	}
	switch param {
	case ParamPitch:
		e.synth.ApplyPitch(value)
	case ParamVolume:
		e.synth.ApplyVolume(value)
	case ParamRate:
		e.synth.ApplyRate(value)
	default:
		return false
	}
	return true
}

// GetParam reads a parameter from the active synthesizer. Without one it
// returns -1 and false.
func (e *Engine) GetParam(param Param) (int, bool) {
	if e.synth == nil {
		return -1, false
	}
	switch param {
	case ParamPitch:
		return e.synth.Pitch(), true
	case ParamVolume:
		return e.synth.Volume(), true
	case ParamRate:
		return e.synth.Rate(), true
	case ParamFrequency:
		return e.synth.Frequency(), true
	default:
		return -1, false
	}
}
