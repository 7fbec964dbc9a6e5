// Package battery reads a PiSugar-style UPS over I2C for the status API.
package battery

import (
	"context"
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"epdagenda/internal/model"
)

// Register map of the PiSugar 3 controller.
const (
	regVoltageHigh = 0x22
	regVoltageLow  = 0x23
	regPercent     = 0x2A
)

// ErrUnavailable is returned when no battery is configured.
var ErrUnavailable = errors.New("battery: not configured")

// Status is the battery reading exposed by /api/battery.
type Status struct {
	Percent   int       `json:"percent"`
	VoltageMv int       `json:"voltage_mv"`
	ReadAt    time.Time `json:"read_at"`
}

type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// None is the reader used when no UPS is attached.
type None struct{}

func (None) Read(context.Context) (Status, error) { return Status{}, ErrUnavailable }

// I2C reads the controller at Addr on Bus ("" opens the first bus).
type I2C struct {
	Bus  string
	Addr uint16
}

func (r I2C) Read(_ context.Context) (Status, error) {
	if _, err := host.Init(); err != nil {
		return Status{}, &model.HardwareError{Op: "battery host init", Err: err}
	}
	bus, err := i2creg.Open(r.Bus)
	if err != nil {
		return Status{}, &model.HardwareError{Op: "battery open i2c", Err: err}
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.Addr}
	var regs [3]byte
	for i, reg := range []byte{regVoltageHigh, regVoltageLow, regPercent} {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return Status{}, &model.HardwareError{Op: "battery read", Err: err}
		}
		regs[i] = buf[0]
	}
	st := decode(regs[0], regs[1], regs[2])
	st.ReadAt = time.Now()
	return st, nil
}

func decode(vHigh, vLow, pct byte) Status {
	if pct > 100 {
		pct = 100
	}
	return Status{
		Percent:   int(pct),
		VoltageMv: int(uint16(vHigh)<<8 | uint16(vLow)),
	}
}

// Cached wraps a reader and reuses a successful reading for TTL, so a
// status page polled by several clients does not keep the I2C bus busy.
type Cached struct {
	Reader Reader
	TTL    time.Duration
	Now    func() time.Time

	mu   sync.Mutex
	last Status
	at   time.Time
	ok   bool
}

func (c *Cached) Read(ctx context.Context) (Status, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ok && now().Sub(c.at) < c.TTL {
		return c.last, nil
	}
	st, err := c.Reader.Read(ctx)
	if err != nil {
		return Status{}, err
	}
	c.last, c.at, c.ok = st, now(), true
	return st, nil
}
