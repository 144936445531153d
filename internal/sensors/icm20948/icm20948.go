package icm20948

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"wristwake/internal/i2c"
	"wristwake/internal/imu"
)

var sleep = time.Sleep

// ICM-20948 accel+gyro over I2C, exposed as an imu.Driver.
//
// The chip's own wake-on-motion engine is not used; motion and wrist
// features are reported as imu.ErrUnsupported and are expected to be
// provided in software on top of the raw samples.

const (
	addrDefault = 0x68

	regWhoAmI  = 0x00
	whoAmIVal  = 0xEA
	regBankSel = 0x7F

	// Bank 0.
	regPwrMgmt1   = 0x06
	regPwrMgmt2   = 0x07
	bitReset      = 0x80
	clkAuto       = 0x01
	gyroAxesOff   = 0x07
	regIntEnable  = 0x10
	regAccelXoutH = 0x2D

	// Bank 2.
	bank2           = 2
	regGyroSmplrt   = 0x00
	regGyroConfig1  = 0x01
	regAccelSmplrt2 = 0x11
	regAccelConfig  = 0x14

	// FS_SEL lives in bits [2:1] of both config registers.
	fsGyro2000dps = 0x03 << 1
	fsAccel4g     = 0x01 << 1

	accelFullScaleG    = 4.0
	gyroFullScaleDps   = 2000.0
	baseSampleRateHz   = 1125
	outputSampleRateHz = 100
)

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

type Device struct {
	mu  sync.Mutex
	dev regIO

	curBank byte
	gyroOn  bool
}

var _ imu.Driver = (*Device)(nil)

func DefaultAddress() uint16 { return addrDefault }

// New probes and configures the chip. The gyroscope starts powered down.
func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, errNilDev
	}
	return newWithIO(dev)
}

var errNilDev = errors.New("icm20948: dev is nil")

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, errNilDev
	}
	d := &Device{dev: dev, curBank: 0xFF}

	who, err := d.dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("icm20948: whoami read failed: %w", err)
	}
	if who != whoAmIVal {
		return nil, fmt.Errorf("icm20948: whoami=0x%02X want 0x%02X", who, whoAmIVal)
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

// initStep is one register write of the power-up sequence.
type initStep struct {
	bank     byte
	reg, val byte
	what     string // empty: best-effort
	settle   time.Duration
}

func initSequence() []initStep {
	div := byte(baseSampleRateHz/outputSampleRateHz - 1)
	return []initStep{
		{bank: 0, reg: regIntEnable, val: 0x00},
		{bank: 0, reg: regPwrMgmt1, val: bitReset, what: "reset", settle: 100 * time.Millisecond},
		{bank: 0, reg: regPwrMgmt1, val: clkAuto, what: "wake", settle: 10 * time.Millisecond},
		{bank: 0, reg: regPwrMgmt2, val: gyroAxesOff, what: "gyro power down"},
		{bank: bank2, reg: regGyroSmplrt, val: div},
		{bank: bank2, reg: regAccelSmplrt2, val: div},
		{bank: bank2, reg: regGyroConfig1, val: fsGyro2000dps, what: "gyro config"},
		{bank: bank2, reg: regAccelConfig, val: fsAccel4g, what: "accel config"},
	}
}

func (d *Device) init() error {
	for _, st := range initSequence() {
		if err := d.setBank(st.bank); err != nil {
			return err
		}
		err := d.dev.WriteReg(st.reg, st.val)
		if err != nil && st.what != "" {
			return fmt.Errorf("icm20948: %s failed: %w", st.what, err)
		}
		if st.settle > 0 {
			sleep(st.settle)
		}
		if st.reg == regPwrMgmt1 && st.val == bitReset {
			// Reset clears REG_BANK_SEL.
			d.curBank = 0
		}
	}
	return d.setBank(0)
}

func (d *Device) setBank(bank byte) error {
	if d.curBank == bank {
		return nil
	}
	if err := d.dev.WriteReg(regBankSel, bank<<4); err != nil {
		return fmt.Errorf("icm20948: set bank %d failed: %w", bank, err)
	}
	d.curBank = bank
	return nil
}

// readRaw returns the six big-endian words starting at ACCEL_XOUT_H:
// accel x,y,z then gyro x,y,z.
func (d *Device) readRaw() ([6]int16, error) {
	var out [6]int16
	if err := d.setBank(0); err != nil {
		return out, err
	}
	var buf [12]byte
	if err := d.dev.ReadReg(regAccelXoutH, buf[:]); err != nil {
		return out, fmt.Errorf("icm20948: read sensors failed: %w", err)
	}
	for i := range out {
		out[i] = int16(binary.BigEndian.Uint16(buf[2*i:]))
	}
	return out, nil
}

// FetchAccel returns acceleration in m/s².
func (d *Device) FetchAccel() ([3]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := d.readRaw()
	if err != nil {
		return [3]float64{}, err
	}
	scale := accelFullScaleG / 32768.0 * imu.StandardGravity
	return [3]float64{float64(raw[0]) * scale, float64(raw[1]) * scale, float64(raw[2]) * scale}, nil
}

// FetchGyro returns angular rate in rad/s. A powered-down gyro reads zero.
func (d *Device) FetchGyro() ([3]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.gyroOn {
		return [3]float64{}, nil
	}
	raw, err := d.readRaw()
	if err != nil {
		return [3]float64{}, err
	}
	scale := gyroFullScaleDps / 32768.0 * math.Pi / 180.0
	return [3]float64{float64(raw[3]) * scale, float64(raw[4]) * scale, float64(raw[5]) * scale}, nil
}

func (d *Device) EnableFeature(f imu.Feature, interrupt bool) error {
	if f != imu.FeatureGyro {
		return fmt.Errorf("icm20948: enable %s: %w", f, imu.ErrUnsupported)
	}
	return d.setGyro(true)
}

func (d *Device) DisableFeature(f imu.Feature) error {
	if f != imu.FeatureGyro {
		return fmt.Errorf("icm20948: disable %s: %w", f, imu.ErrUnsupported)
	}
	return d.setGyro(false)
}

func (d *Device) setGyro(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.setBank(0); err != nil {
		return err
	}
	val := byte(gyroAxesOff)
	if on {
		val = 0x00
	}
	if err := d.dev.WriteReg(regPwrMgmt2, val); err != nil {
		return fmt.Errorf("icm20948: gyro power %t failed: %w", on, err)
	}
	if on && !d.gyroOn {
		// Gyro start-up time.
		sleep(35 * time.Millisecond)
	}
	d.gyroOn = on
	return nil
}
