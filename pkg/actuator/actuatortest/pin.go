// Package actuatortest provides fake output pins that record writes and can
// be told to fail.
package actuatortest

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

// Log is a write journal shared by several pins.
type Log struct {
	mu      sync.Mutex
	entries []string
}

func (l *Log) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

// Entries returns the writes so far as "NAME=Level" or "NAME=pwm(N%)".
func (l *Log) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// Reset clears the journal.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Pin is a gpiotest.Pin that journals writes.
type Pin struct {
	*gpiotest.Pin
	log *Log

	mu      sync.Mutex
	failOut error
	failOn  map[gpio.Level]error
	failPWM error
}

// NewPin returns a pin named name writing to log. log may be nil.
func NewPin(name string, log *Log) *Pin {
	if log == nil {
		log = &Log{}
	}
	return &Pin{
		Pin: &gpiotest.Pin{N: name},
		log: log,
	}
}

// FailOut makes subsequent Out calls return err. A nil err clears it.
func (p *Pin) FailOut(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOut = err
}

// FailOn makes subsequent writes of level l return err. A nil err clears it.
func (p *Pin) FailOn(l gpio.Level, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn == nil {
		p.failOn = map[gpio.Level]error{}
	}
	if err == nil {
		delete(p.failOn, l)
		return
	}
	p.failOn[l] = err
}

// FailPWM makes subsequent PWM calls return err. A nil err clears it.
func (p *Pin) FailPWM(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPWM = err
}

func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	err := p.failOut
	if err == nil {
		err = p.failOn[l]
	}
	p.mu.Unlock()

	p.log.add(fmt.Sprintf("%s=%s", p.Pin.N, l))
	if err != nil {
		return err
	}
	return p.Pin.Out(l)
}

func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	p.mu.Lock()
	err := p.failPWM
	p.mu.Unlock()

	if err != nil {
		return err
	}
	p.log.add(fmt.Sprintf("%s=pwm(%d%%)", p.Pin.N, (int64(duty)*100+int64(gpio.DutyHalf))/int64(gpio.DutyMax)))
	// A PWM-driven pin reads as High.
	return p.Pin.Out(gpio.High)
}

// Level returns the last level written.
func (p *Pin) Level() gpio.Level {
	return p.Pin.Read()
}
