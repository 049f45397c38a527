package bitmap

import "testing"

func newTestBitmap(nbits uint64) *Bitmap {
	return New(make([]uint64, WordsFor(nbits)), nbits)
}

func TestSetClearTest(t *testing.T) {
	b := newTestBitmap(128)

	for _, i := range []uint64{0, 1, 63, 64, 65, 127} {
		if b.Test(i) {
			t.Fatalf("expected bit %d to start clear", i)
		}
		b.Set(i)
		if !b.Test(i) {
			t.Fatalf("expected bit %d to be set", i)
		}
		b.Clear(i)
		if b.Test(i) {
			t.Fatalf("expected bit %d to be clear again", i)
		}
	}
}

func TestSetAllAndCountClear(t *testing.T) {
	b := newTestBitmap(100)
	if got := b.CountClear(); got != 100 {
		t.Fatalf("expected 100 clear bits; got %d", got)
	}

	b.SetAll()
	for i := uint64(0); i < 100; i++ {
		if !b.Test(i) {
			t.Fatalf("expected bit %d to be set after SetAll", i)
		}
	}

	b.ClearRange(10, 5)
	if got := b.CountClear(); got != 5 {
		t.Fatalf("expected 5 clear bits after ClearRange; got %d", got)
	}
	if !b.AllSet(0, 10) {
		t.Fatal("expected bits [0,10) to remain set")
	}
}

func TestFirstClear(t *testing.T) {
	b := newTestBitmap(10)
	b.SetRange(0, 5)

	idx, ok := b.FirstClear(0)
	if !ok || idx != 5 {
		t.Fatalf("expected first clear bit at 5; got %d, ok=%t", idx, ok)
	}

	b.SetRange(5, 5)
	if _, ok := b.FirstClear(0); ok {
		t.Fatal("expected no clear bits left")
	}
}

func TestFirstClearRunSlidesPastObstruction(t *testing.T) {
	b := newTestBitmap(20)
	// bit 3 is set; a run of 4 starting at 0 should fail over it and
	// land at index 4.
	b.Set(3)

	idx, ok := b.FirstClearRun(0, 4)
	if !ok || idx != 4 {
		t.Fatalf("expected run to start at 4; got %d, ok=%t", idx, ok)
	}
}

func TestFirstClearRunExactFit(t *testing.T) {
	b := newTestBitmap(10)
	b.SetRange(0, 2)
	b.SetRange(8, 2)

	idx, ok := b.FirstClearRun(0, 6)
	if !ok || idx != 2 {
		t.Fatalf("expected run at index 2; got %d, ok=%t", idx, ok)
	}

	if _, ok := b.FirstClearRun(0, 7); ok {
		t.Fatal("expected no run of length 7 to fit")
	}
}

func TestLargestClearRun(t *testing.T) {
	b := newTestBitmap(20)
	b.Set(5)
	b.Set(6)

	if got := b.LargestClearRun(); got != 13 {
		t.Fatalf("expected largest run of 13; got %d", got)
	}
}
