package main

import (
	"fmt"
	"log"
	"sync"
)

// Si5351 register addresses.
const (
	si5351RegOutputEnable = 3
	si5351RegCLK0Control  = 16
	si5351RegCLK1Control  = 17
	si5351RegCLK2Control  = 18
	si5351RegMS0Params    = 42
	si5351RegMS1Params    = 50
	si5351RegMS2Params    = 58
	si5351RegPLLReset     = 177
	si5351RegCrystalLoad  = 183

	si5351PLLABase = 26
	si5351PLLBBase = 34

	// Reset both PLL A and PLL B.
	si5351PLLResetValue = 0b1010_0000

	// 10 pF crystal load capacitance.
	si5351CrystalLoad10PF = 0b11_000000
)

// SynthPLL selects one of the two PLLs in the chip.
type SynthPLL int

const (
	PLLA SynthPLL = iota
	PLLB
)

// SynthRDiv is the output R divider (a power of two up to 128).
type SynthRDiv byte

const (
	RDiv1   SynthRDiv = 0
	RDiv2   SynthRDiv = 1
	RDiv4   SynthRDiv = 2
	RDiv8   SynthRDiv = 3
	RDiv16  SynthRDiv = 4
	RDiv32  SynthRDiv = 5
	RDiv64  SynthRDiv = 6
	RDiv128 SynthRDiv = 7
)

// SynthDrive is the CLK output drive strength.
type SynthDrive byte

const (
	Drive2mA SynthDrive = 0
	Drive4mA SynthDrive = 1
	Drive6mA SynthDrive = 2
	Drive8mA SynthDrive = 3
)

// PLLConfig holds the PLL feedback multiplier: mult + num/denom.
type PLLConfig struct {
	Mult  int32
	Num   int32
	Denom int32
}

// OutputConfig holds a MultiSynth divider: div + num/denom, plus the output
// R divider and whether the integer-mode bit may be set.
type OutputConfig struct {
	AllowIntegerMode bool
	Div              int32
	Num              int32
	Denom            int32
	RDiv             SynthRDiv
}

// I2CConn is the bus write surface the driver needs. periph.io's i2c.Dev
// satisfies it directly; tests substitute a recording fake.
type I2CConn interface {
	Tx(w, r []byte) error
}

// Si5351 drives an Si5351-class programmable clock generator over I²C.
// The driver never retries a failed bus transaction: errors go back to the
// caller, and during a WSPR transmission a single bad symbol is preferable
// to a stalled frame.
type Si5351 struct {
	mu sync.Mutex

	bus        I2CConn
	crystalHz  int32
	correction int32 // frequency correction in 1/100 ppm (parts per 1e8)

	// Smooth-tuning state, valid after SetupCLK0Smooth.
	baseCentiHz int64
	pllCfg      PLLConfig
	outCfg      OutputConfig
}

// NewSi5351 initializes the chip: all outputs disabled, all clocks powered
// down, 10 pF crystal load. A bus error here is fatal; the caller should
// treat it as a hardware failure, not retry.
func NewSi5351(bus I2CConn, crystalHz int32, correction int32) (*Si5351, error) {
	s := &Si5351{bus: bus, crystalHz: crystalHz, correction: correction}

	init := []struct{ reg, val byte }{
		{si5351RegOutputEnable, 0xFF}, // active low: disable everything
		{si5351RegCLK0Control, 0x80},  // power down
		{si5351RegCLK1Control, 0x80},
		{si5351RegCLK2Control, 0x80},
		{si5351RegCrystalLoad, si5351CrystalLoad10PF},
	}
	for _, w := range init {
		if err := s.write(w.reg, w.val); err != nil {
			return nil, fmt.Errorf("si5351 init: %w", err)
		}
	}
	return s, nil
}

// SetCorrection updates the crystal correction (1/100 ppm units). Takes
// effect on the next PLL/output programming.
func (s *Si5351) SetCorrection(correction int32) {
	s.mu.Lock()
	s.correction = correction
	s.mu.Unlock()
}

func (s *Si5351) write(reg, val byte) error {
	return s.bus.Tx([]byte{reg, val}, nil)
}

// applyCorrection shifts a centi-Hz target by the crystal error:
// f' = f - f*(correction/1e8).
func (s *Si5351) applyCorrection(centiHz int64) int64 {
	return centiHz - centiHz*int64(s.correction)/100000000
}

// msParams derives the MultiSynth register parameters from div + num/denom.
func msParams(div, num, denom int32) (p1, p2, p3 int32) {
	p1 = 128*div + (128*num)/denom - 512
	p2 = (128 * num) % denom
	p3 = denom
	return
}

// writeBulk programs one 8-byte MultiSynth parameter block:
//
//	base+0..1 : p3[15:0]
//	base+2    : p1[17:16] | div_by_4<<2 | r_div<<4
//	base+3..4 : p1[15:0]
//	base+5    : p3[19:16]<<4 | p2[19:16]
//	base+6..7 : p2[15:0]
func (s *Si5351) writeBulk(base byte, p1, p2, p3 int32, divBy4 byte, rdiv SynthRDiv) error {
	regs := []struct{ reg, val byte }{
		{base, byte(p3 >> 8)},
		{base + 1, byte(p3)},
		{base + 2, byte(p1>>16)&0x3 | (divBy4&0x3)<<2 | (byte(rdiv)&0x7)<<4},
		{base + 3, byte(p1 >> 8)},
		{base + 4, byte(p1)},
		{base + 5, byte(p3>>12)&0xF0 | byte(p2>>16)&0xF},
		{base + 6, byte(p2 >> 8)},
		{base + 7, byte(p2)},
	}
	for _, w := range regs {
		if err := s.write(w.reg, w.val); err != nil {
			return err
		}
	}
	return nil
}

// SetupPLL programs PLL A or B and issues a PLL reset.
func (s *Si5351) SetupPLL(pll SynthPLL, cfg PLLConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupPLLLocked(pll, cfg)
}

func (s *Si5351) setupPLLLocked(pll SynthPLL, cfg PLLConfig) error {
	if cfg.Denom == 0 {
		return fmt.Errorf("si5351: PLL denominator must not be zero")
	}
	p1, p2, p3 := msParams(cfg.Mult, cfg.Num, cfg.Denom)
	base := byte(si5351PLLABase)
	if pll == PLLB {
		base = si5351PLLBBase
	}
	if err := s.writeBulk(base, p1, p2, p3, 0, RDiv1); err != nil {
		return err
	}
	return s.write(si5351RegPLLReset, si5351PLLResetValue)
}

// SetupOutput configures MultiSynth output 0..2 and its control register.
func (s *Si5351) SetupOutput(output int, pll SynthPLL, drive SynthDrive, cfg OutputConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setupOutputLocked(output, pll, drive, cfg)
}

func (s *Si5351) setupOutputLocked(output int, pll SynthPLL, drive SynthDrive, cfg OutputConfig) error {
	if output < 0 || output > 2 {
		return fmt.Errorf("si5351: no such output: %d", output)
	}
	if !cfg.AllowIntegerMode && (cfg.Div < 8 || (cfg.Div == 8 && cfg.Num == 0)) {
		return fmt.Errorf("si5351: divider %d too small for fractional mode", cfg.Div)
	}

	var p1, p2, p3 int32
	var divBy4 byte
	if cfg.Div == 4 {
		p1, p2, p3 = 0, 0, 1
		divBy4 = 0x3
	} else {
		if cfg.Denom == 0 {
			return fmt.Errorf("si5351: output denominator must not be zero")
		}
		p1, p2, p3 = msParams(cfg.Div, cfg.Num, cfg.Denom)
	}

	base, ctrl := msBaseAndControl(output)

	clkControl := byte(0x0C) | byte(drive) // MS source, not inverted
	if pll == PLLB {
		clkControl |= 1 << 5
	}
	if cfg.AllowIntegerMode && (cfg.Num == 0 || cfg.Div == 4) {
		clkControl |= 1 << 6
	}

	if err := s.write(ctrl, clkControl); err != nil {
		return err
	}
	return s.writeBulk(base, p1, p2, p3, divBy4, cfg.RDiv)
}

func msBaseAndControl(output int) (base, ctrl byte) {
	switch output {
	case 0:
		return si5351RegMS0Params, si5351RegCLK0Control
	case 1:
		return si5351RegMS1Params, si5351RegCLK1Control
	default:
		return si5351RegMS2Params, si5351RegCLK2Control
	}
}

// EnableOutputs enables exactly the outputs whose bit is set in mask
// (bit 0 = CLK0). The hardware register is active low.
func (s *Si5351) EnableOutputs(mask byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(si5351RegOutputEnable, ^mask)
}

// Calc computes PLL and MultiSynth parameters to hit fHz from the crystal,
// applying the stored correction. Below 81 MHz the PLL is steered into the
// 600-900 MHz range with an integer MultiSynth divisor plus fractional
// refinement; below 1 MHz the target is pre-multiplied by 64 and the output
// R divider set to /64.
func (s *Si5351) Calc(fHz int32) (PLLConfig, OutputConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pll PLLConfig
	var out OutputConfig
	out.AllowIntegerMode = true

	fclk := fHz
	if fclk < 8000 {
		fclk = 8000
	} else if fclk > 160000000 {
		fclk = 160000000
	}

	if fclk < 1000000 {
		fclk *= 64
		out.RDiv = RDiv64
	} else {
		out.RDiv = RDiv1
	}

	f := s.applyCorrection(int64(fclk)*100) / 100

	fxtal := int64(s.crystalHz)
	if f < 81000000 {
		// Aim the PLL at 600 MHz and raise it until the divisor fits.
		a := 600000000 / fxtal
		fpll := a * fxtal
		x := fpll / f
		for x > 900 && a < 90 {
			a++
			fpll = a * fxtal
			x = fpll / f
		}
		t := f>>20 + 1
		pll = PLLConfig{Mult: int32(a), Num: 0, Denom: 1}
		out.Div = int32(x)
		out.Num = int32((fpll % f) / t)
		out.Denom = int32(f / t)
	} else {
		var x int64
		switch {
		case f >= 150000000:
			x = 4
		case f >= 100000000:
			x = 6
		default:
			x = 8
		}
		numerator := x * f
		t := fxtal>>20 + 1
		pll = PLLConfig{
			Mult:  int32(numerator / fxtal),
			Num:   int32((numerator % fxtal) / t),
			Denom: int32(fxtal / t),
		}
		out.Div = int32(x)
		out.Num = 0
		out.Denom = 1
	}
	return pll, out
}

// SetupCLK0Smooth pre-programs PLL A (integer multiplier near 700 MHz) and
// the CLK0 MultiSynth in fractional mode so that all four WSPR tones share
// the same integer divisor. After this, tone steps need only the p2
// fractional bytes. baseCentiHz is the carrier frequency in 1/100 Hz.
func (s *Si5351) SetupCLK0Smooth(baseCentiHz int64, drive SynthDrive) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	corrected := s.applyCorrection(baseCentiHz)

	// Integer PLL for stability; fractional resolution lives in the
	// MultiSynth. 700 MHz target sits comfortably inside the 600-900 range.
	a := int64(700000000) / int64(s.crystalHz)
	if a < 15 {
		a = 15
	}
	if a > 90 {
		a = 90
	}
	fpllCenti := a * int64(s.crystalHz) * 100

	divInt := fpllCenti / corrected
	const denom = 1048575 // maximum p3 for best resolution
	remainder := fpllCenti - divInt*corrected
	num := remainder * denom / corrected

	s.baseCentiHz = baseCentiHz
	s.pllCfg = PLLConfig{Mult: int32(a), Num: 0, Denom: 1}
	s.outCfg = OutputConfig{
		AllowIntegerMode: false,
		Div:              int32(divInt),
		Num:              int32(num),
		Denom:            denom,
		RDiv:             RDiv1,
	}

	log.Printf("Si5351: smooth setup base=%d.%02d Hz PLL=%d MHz div=%d+%d/%d",
		baseCentiHz/100, baseCentiHz%100, fpllCenti/100000000, divInt, num, denom)

	if err := s.setupPLLLocked(PLLA, s.pllCfg); err != nil {
		return err
	}
	return s.setupOutputLocked(0, PLLA, drive, s.outCfg)
}

// UpdateFrequencyMinimal retunes CLK0 by rewriting only the two p2 bytes at
// MS0 base+6 in a single bus transaction. No output-enable, PLL-reset or
// control register is touched, so the PLL never glitches. Requires a prior
// SetupCLK0Smooth; if the new frequency needs a different integer divisor
// the method falls back to a full MultiSynth rewrite.
func (s *Si5351) UpdateFrequencyMinimal(centiHz int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseCentiHz == 0 {
		return fmt.Errorf("si5351: UpdateFrequencyMinimal before SetupCLK0Smooth")
	}

	corrected := s.applyCorrection(centiHz)
	fpllCenti := int64(s.pllCfg.Mult) * int64(s.crystalHz) * 100

	divInt := fpllCenti / corrected
	if int32(divInt) != s.outCfg.Div {
		// Step was too large for a fractional-only update.
		log.Printf("Si5351: integer divider moved (%d -> %d), full update", s.outCfg.Div, divInt)
		return s.updateFrequencyFullLocked(corrected, divInt, fpllCenti)
	}

	remainder := fpllCenti - divInt*corrected
	num := remainder * int64(s.outCfg.Denom) / corrected
	p2 := (128 * num) % int64(s.outCfg.Denom)

	if err := s.bus.Tx([]byte{si5351RegMS0Params + 6, byte(p2 >> 8), byte(p2)}, nil); err != nil {
		return err
	}
	s.outCfg.Num = int32(num)
	return nil
}

func (s *Si5351) updateFrequencyFullLocked(corrected, divInt, fpllCenti int64) error {
	remainder := fpllCenti - divInt*corrected
	num := remainder * int64(s.outCfg.Denom) / corrected

	s.outCfg.Div = int32(divInt)
	s.outCfg.Num = int32(num)
	p1, p2, p3 := msParams(s.outCfg.Div, s.outCfg.Num, s.outCfg.Denom)
	return s.writeBulk(si5351RegMS0Params, p1, p2, p3, 0, s.outCfg.RDiv)
}
