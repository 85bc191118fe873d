package intr

// pitInputHz is the fixed input clock feeding the 8253/8254 programmable
// interval timer.
const pitInputHz = 1193180

// PIT models channel 0 of the programmable interval timer: the divisor
// written during interrupt activation and the tick rate it yields. The
// kernel programs it once, for a 1 kHz tick, and never touches it again.
type PIT struct {
	divisor uint16
}

// NewPIT returns an unprogrammed PIT.
func NewPIT() *PIT {
	return &PIT{}
}

// SetFrequency programs channel 0 for hz interrupts per second, clamping
// the divisor into the 16-bit reload range the hardware accepts.
func (p *PIT) SetFrequency(hz uint32) {
	if hz == 0 {
		hz = 1
	}
	d := pitInputHz / hz
	if d > 0xffff {
		d = 0xffff
	}
	if d == 0 {
		d = 1
	}
	p.divisor = uint16(d)
}

// Divisor returns the programmed reload value.
func (p *PIT) Divisor() uint16 { return p.divisor }

// Frequency returns the actual tick rate the programmed divisor yields,
// which differs slightly from the requested rate because the divisor is an
// integer.
func (p *PIT) Frequency() uint32 {
	if p.divisor == 0 {
		return 0
	}
	return pitInputHz / uint32(p.divisor)
}
