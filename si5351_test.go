package main

import (
	"testing"
)

// recordingBus captures every I²C transaction the driver issues.
type recordingBus struct {
	writes [][]byte
	fail   bool
}

func (b *recordingBus) Tx(w, r []byte) error {
	if b.fail {
		return errFake
	}
	cp := make([]byte, len(w))
	copy(cp, w)
	b.writes = append(b.writes, cp)
	return nil
}

// regValue returns the last value written to reg, or ok=false if the
// register was never touched.
func (b *recordingBus) regValue(reg byte) (byte, bool) {
	var val byte
	found := false
	for _, w := range b.writes {
		if len(w) == 2 && w[0] == reg {
			val = w[1]
			found = true
		}
	}
	return val, found
}

func (b *recordingBus) touched(reg byte) bool {
	for _, w := range b.writes {
		if len(w) > 0 && w[0] == reg {
			return true
		}
	}
	return false
}

func newTestSynth(t *testing.T) (*Si5351, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	s, err := NewSi5351(bus, 25000000, 0)
	if err != nil {
		t.Fatalf("NewSi5351: %v", err)
	}
	return s, bus
}

func TestSi5351InitSequence(t *testing.T) {
	_, bus := newTestSynth(t)

	if v, ok := bus.regValue(si5351RegOutputEnable); !ok || v != 0xFF {
		t.Errorf("init output-enable = %#x (ok=%v), want 0xFF", v, ok)
	}
	for _, reg := range []byte{si5351RegCLK0Control, si5351RegCLK1Control, si5351RegCLK2Control} {
		if v, ok := bus.regValue(reg); !ok || v != 0x80 {
			t.Errorf("init clk control %d = %#x (ok=%v), want 0x80 (powered down)", reg, v, ok)
		}
	}
	if v, ok := bus.regValue(si5351RegCrystalLoad); !ok || v != 0b11_000000 {
		t.Errorf("crystal load = %#08b, want 0b11000000", v)
	}
}

func TestSi5351InitFailureSurfaces(t *testing.T) {
	bus := &recordingBus{fail: true}
	if _, err := NewSi5351(bus, 25000000, 0); err == nil {
		t.Fatal("expected init error when bus fails")
	}
}

func TestSetupPLLRegisterLayout(t *testing.T) {
	s, bus := newTestSynth(t)
	bus.writes = nil

	// mult=35, integer PLL: p1 = 128*35 - 512 = 3968 = 0x0F80, p2=0, p3=1.
	if err := s.SetupPLL(PLLA, PLLConfig{Mult: 35, Num: 0, Denom: 1}); err != nil {
		t.Fatalf("SetupPLL: %v", err)
	}

	want := map[byte]byte{
		si5351PLLABase + 0: 0x00, // p3[15:8]
		si5351PLLABase + 1: 0x01, // p3[7:0]
		si5351PLLABase + 2: 0x00, // p1[17:16]
		si5351PLLABase + 3: 0x0F, // p1[15:8]
		si5351PLLABase + 4: 0x80, // p1[7:0]
		si5351PLLABase + 5: 0x00,
		si5351PLLABase + 6: 0x00,
		si5351PLLABase + 7: 0x00,
	}
	for reg, val := range want {
		if got, ok := bus.regValue(reg); !ok || got != val {
			t.Errorf("PLL reg %d = %#x (ok=%v), want %#x", reg, got, ok, val)
		}
	}
	// PLL reset must follow every PLL programming.
	if got, ok := bus.regValue(si5351RegPLLReset); !ok || got != 0b1010_0000 {
		t.Errorf("PLL reset = %#08b (ok=%v), want 0b10100000", got, ok)
	}
}

func TestSetupPLLRejectsZeroDenominator(t *testing.T) {
	s, bus := newTestSynth(t)
	bus.writes = nil
	if err := s.SetupPLL(PLLA, PLLConfig{Mult: 35, Num: 1, Denom: 0}); err == nil {
		t.Fatal("expected error for denom=0")
	}
	if len(bus.writes) != 0 {
		t.Errorf("denom=0 must not touch the bus, got %d writes", len(bus.writes))
	}
}

func TestSetupOutputValidation(t *testing.T) {
	s, _ := newTestSynth(t)

	if err := s.SetupOutput(3, PLLA, Drive8mA, OutputConfig{Div: 36, Num: 0, Denom: 1, AllowIntegerMode: true}); err == nil {
		t.Error("expected error for output index 3")
	}
	if err := s.SetupOutput(0, PLLA, Drive8mA, OutputConfig{Div: 36, Num: 1, Denom: 0, AllowIntegerMode: true}); err == nil {
		t.Error("expected error for denom=0")
	}
	if err := s.SetupOutput(0, PLLA, Drive8mA, OutputConfig{Div: 6, Num: 1, Denom: 10}); err == nil {
		t.Error("expected error for div<8 in fractional mode")
	}
}

func TestSetupOutputIntegerMode(t *testing.T) {
	s, bus := newTestSynth(t)
	bus.writes = nil

	// div=36 integer: p1 = 128*36 - 512 = 4096 = 0x1000.
	err := s.SetupOutput(0, PLLA, Drive8mA, OutputConfig{AllowIntegerMode: true, Div: 36, Num: 0, Denom: 1})
	if err != nil {
		t.Fatalf("SetupOutput: %v", err)
	}

	// Control: 0x0C | drive(3) | int-mode bit.
	if got, ok := bus.regValue(si5351RegCLK0Control); !ok || got != 0x0C|0x03|0x40 {
		t.Errorf("CLK0 control = %#x (ok=%v), want %#x", got, ok, 0x0C|0x03|0x40)
	}
	if got, _ := bus.regValue(si5351RegMS0Params + 3); got != 0x10 {
		t.Errorf("MS0 p1[15:8] = %#x, want 0x10", got)
	}
	if got, _ := bus.regValue(si5351RegMS0Params + 4); got != 0x00 {
		t.Errorf("MS0 p1[7:0] = %#x, want 0x00", got)
	}
}

func TestSetupOutputDivBy4(t *testing.T) {
	s, bus := newTestSynth(t)
	bus.writes = nil

	err := s.SetupOutput(0, PLLA, Drive2mA, OutputConfig{AllowIntegerMode: true, Div: 4, Num: 0, Denom: 1})
	if err != nil {
		t.Fatalf("SetupOutput div=4: %v", err)
	}
	// div_by_4 bits: reg base+2 = 0b11 << 2.
	if got, _ := bus.regValue(si5351RegMS0Params + 2); got != 0x3<<2 {
		t.Errorf("div-by-4 field = %#x, want %#x", got, 0x3<<2)
	}
	// p3=1 special case.
	if got, _ := bus.regValue(si5351RegMS0Params + 1); got != 1 {
		t.Errorf("p3[7:0] = %#x, want 1 in div-by-4 mode", got)
	}
}

func TestEnableOutputsActiveLow(t *testing.T) {
	s, bus := newTestSynth(t)
	bus.writes = nil

	if err := s.EnableOutputs(1 << 0); err != nil {
		t.Fatalf("EnableOutputs: %v", err)
	}
	if got, _ := bus.regValue(si5351RegOutputEnable); got != 0xFE {
		t.Errorf("enable CLK0 wrote %#x, want 0xFE (active low)", got)
	}

	if err := s.EnableOutputs(0); err != nil {
		t.Fatalf("EnableOutputs(0): %v", err)
	}
	if got, _ := bus.regValue(si5351RegOutputEnable); got != 0xFF {
		t.Errorf("disable all wrote %#x, want 0xFF", got)
	}
}

func TestCalcLowFrequency(t *testing.T) {
	s, _ := newTestSynth(t)

	pll, out := s.Calc(14097100)
	fpll := int64(pll.Mult)*25000000 + int64(pll.Num)*25000000/int64(pll.Denom)
	if fpll < 600000000 || fpll > 900000000 {
		t.Errorf("PLL frequency %d outside 600-900 MHz", fpll)
	}
	if out.RDiv != RDiv1 {
		t.Errorf("RDiv = %d, want DIV_1 for HF", out.RDiv)
	}
	// The fractional refinement truncates; a few Hz of error is inherent.
	fout := float64(fpll) / (float64(out.Div) + float64(out.Num)/float64(out.Denom))
	if fout < 14097100-10 || fout > 14097100+10 {
		t.Errorf("calc output %f Hz, want ~14097100", fout)
	}
}

func TestCalcSubMegahertzUsesRDiv64(t *testing.T) {
	s, _ := newTestSynth(t)
	_, out := s.Calc(500000)
	if out.RDiv != RDiv64 {
		t.Errorf("RDiv = %d, want DIV_64 below 1 MHz", out.RDiv)
	}
}

func TestCalcAppliesCorrection(t *testing.T) {
	bus := &recordingBus{}
	s, err := NewSi5351(bus, 25000000, 1000) // 10 ppm
	if err != nil {
		t.Fatal(err)
	}
	pll, out := s.Calc(14097100)
	fpll := int64(pll.Mult)*25000000 + int64(pll.Num)*25000000/int64(pll.Denom)
	fout := float64(fpll) / (float64(out.Div) + float64(out.Num)/float64(out.Denom))
	// 10 ppm low: about 141 Hz below nominal.
	want := 14097100.0 * (1 - 1000.0/1e8)
	if fout < want-10 || fout > want+10 {
		t.Errorf("corrected output %f, want ~%f", fout, want)
	}
}

// Scenario: smooth setup then a two-tone step. The step must be a single
// three-byte transaction at MS0 base+6 and must leave output-enable and
// PLL-reset untouched.
func TestGlitchFreeToneChange(t *testing.T) {
	s, bus := newTestSynth(t)

	base := int64(14097100) * 100
	if err := s.SetupCLK0Smooth(base, Drive8mA); err != nil {
		t.Fatalf("SetupCLK0Smooth: %v", err)
	}

	bus.writes = nil
	target := base + wsprToneCentiHz(2)
	if err := s.UpdateFrequencyMinimal(target); err != nil {
		t.Fatalf("UpdateFrequencyMinimal: %v", err)
	}

	if len(bus.writes) != 1 {
		t.Fatalf("minimal update used %d transactions, want exactly 1", len(bus.writes))
	}
	w := bus.writes[0]
	if len(w) != 3 {
		t.Fatalf("minimal update wrote %d bytes, want 3 (reg + two data)", len(w))
	}
	if w[0] != si5351RegMS0Params+6 {
		t.Errorf("minimal update start register %d, want %d", w[0], si5351RegMS0Params+6)
	}
	if bus.touched(si5351RegOutputEnable) {
		t.Error("minimal update touched the output-enable register")
	}
	if bus.touched(si5351RegPLLReset) {
		t.Error("minimal update touched the PLL-reset register")
	}
}

// Round-trip: re-tuning to the base frequency must reproduce exactly the
// p2 bytes the smooth setup programmed.
func TestMinimalUpdateIdempotentAtBase(t *testing.T) {
	s, bus := newTestSynth(t)

	base := int64(14097100) * 100
	if err := s.SetupCLK0Smooth(base, Drive8mA); err != nil {
		t.Fatalf("SetupCLK0Smooth: %v", err)
	}
	p2hi, ok1 := bus.regValue(si5351RegMS0Params + 6)
	p2lo, ok2 := bus.regValue(si5351RegMS0Params + 7)
	if !ok1 || !ok2 {
		t.Fatal("smooth setup never wrote the p2 registers")
	}

	bus.writes = nil
	if err := s.UpdateFrequencyMinimal(base); err != nil {
		t.Fatalf("UpdateFrequencyMinimal: %v", err)
	}
	if len(bus.writes) != 1 || len(bus.writes[0]) != 3 {
		t.Fatalf("unexpected write shape: %v", bus.writes)
	}
	if bus.writes[0][1] != p2hi || bus.writes[0][2] != p2lo {
		t.Errorf("p2 bytes changed: got %02x %02x, want %02x %02x",
			bus.writes[0][1], bus.writes[0][2], p2hi, p2lo)
	}
}

func TestMinimalUpdateRequiresSmoothSetup(t *testing.T) {
	s, _ := newTestSynth(t)
	if err := s.UpdateFrequencyMinimal(14097100 * 100); err == nil {
		t.Fatal("expected error before SetupCLK0Smooth")
	}
}

// All four WSPR tones must share the integer divisor the smooth setup
// chose, or the minimal update would fall back to a full rewrite.
func TestWSPRTonesStayInSameDividerBucket(t *testing.T) {
	s, bus := newTestSynth(t)

	base := int64(14097100) * 100
	if err := s.SetupCLK0Smooth(base, Drive8mA); err != nil {
		t.Fatalf("SetupCLK0Smooth: %v", err)
	}
	for sym := byte(0); sym < 4; sym++ {
		bus.writes = nil
		if err := s.UpdateFrequencyMinimal(base + wsprToneCentiHz(sym)); err != nil {
			t.Fatalf("tone %d: %v", sym, err)
		}
		if len(bus.writes) != 1 {
			t.Errorf("tone %d needed %d transactions, want 1 (same divider bucket)",
				sym, len(bus.writes))
		}
	}
}
