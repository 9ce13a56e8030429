package hll

import (
	"fmt"
	"sync"
	"testing"

	"hlld.lopezb.com/internal/hlld/bitmap"
)

func TestNewBadPrecision(t *testing.T) {
	if _, err := New(MinPrecision - 1); err != ErrBadPrecision {
		t.Errorf("expected ErrBadPrecision below range, got %v", err)
	}
	if _, err := New(MaxPrecision + 1); err != ErrBadPrecision {
		t.Errorf("expected ErrBadPrecision above range, got %v", err)
	}

	for _, p := range []uint{MinPrecision, MaxPrecision} {
		h, err := New(p)
		if err != nil {
			t.Fatalf("precision %d should be valid: %v", p, err)
		}
		if err := h.Destroy(); err != nil {
			t.Errorf("destroy failed: %v", err)
		}
	}
}

func TestFreshSizeIsZero(t *testing.T) {
	h, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	if s := h.Size(); s != 0 {
		t.Errorf("fresh HLL size = %f, want 0", s)
	}
}

func TestAddSize(t *testing.T) {
	h, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	for i := 0; i < 100; i++ {
		h.Add([]byte(fmt.Sprintf("test%d", i)))
	}

	// Precision 10 has ~3.25% standard error; 100 distinct keys should
	// estimate well within 5%.
	if s := h.Size(); s < 95 || s > 105 {
		t.Errorf("estimate for 100 keys = %f, want [95, 105]", s)
	}
}

func TestAddHash(t *testing.T) {
	h, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	for i := uint64(0); i < 100; i++ {
		h.AddHash(i * 0x9E3779B97F4A7C15)
	}
	if h.Size() == 0 {
		t.Error("estimate should be non-zero after adds")
	}
}

func TestDuplicatesDoNotGrow(t *testing.T) {
	h, err := New(12)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	for i := 0; i < 10; i++ {
		for j := 0; j < 100; j++ {
			h.Add([]byte(fmt.Sprintf("dup%d", j)))
		}
	}

	if s := h.Size(); s < 95 || s > 105 {
		t.Errorf("estimate for 100 repeated keys = %f, want [95, 105]", s)
	}
}

func TestErrorBound(t *testing.T) {
	h, err := New(14)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	for i := 0; i < 10000; i++ {
		h.Add([]byte(fmt.Sprintf("test%d", i)))
	}

	// Precision 14 has ~0.81% standard error; demand 1%.
	if s := h.Size(); s < 9900 || s > 10100 {
		t.Errorf("estimate for 10000 keys = %f, want [9900, 10100]", s)
	}
}

func TestOverBitmap(t *testing.T) {
	bm, err := bitmap.FromFile(nil, BytesForPrecision(10), bitmap.Anonymous, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bm.Close() }()

	h, err := NewFromBitmap(10, bm)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 100; i++ {
		h.Add([]byte(fmt.Sprintf("test%d", i)))
	}
	if s := h.Size(); s < 95 || s > 105 {
		t.Errorf("estimate over external bitmap = %f, want [95, 105]", s)
	}
}

func TestShortBitmapRejected(t *testing.T) {
	bm, err := bitmap.FromFile(nil, 16, bitmap.Anonymous, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bm.Close() }()

	if _, err := NewFromBitmap(12, bm); err != ErrShortBitmap {
		t.Errorf("expected ErrShortBitmap, got %v", err)
	}
}

func TestEstimateSurvivesRegisterBytes(t *testing.T) {
	// Two HLLs over byte-identical registers must agree exactly. This is
	// what makes the on-disk register file a complete representation.
	h1, err := New(12)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h1.Destroy() }()

	for i := 0; i < 5000; i++ {
		h1.Add([]byte(fmt.Sprintf("key%d", i)))
	}

	bm, err := bitmap.FromFile(nil, BytesForPrecision(12), bitmap.Anonymous, false)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bm.Close() }()
	copy(bm.Data(), h1.data)

	h2, err := NewFromBitmap(12, bm)
	if err != nil {
		t.Fatal(err)
	}
	if h1.Size() != h2.Size() {
		t.Errorf("estimates diverge over identical registers: %f vs %f",
			h1.Size(), h2.Size())
	}
}

func TestConcurrentAdds(t *testing.T) {
	h, err := New(12)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	const workers = 8
	const perWorker = 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				h.Add([]byte(fmt.Sprintf("w%d-key%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	total := float64(workers * perWorker)
	if s := h.Size(); s < total*0.95 || s > total*1.05 {
		t.Errorf("concurrent estimate = %f, want within 5%% of %f", s, total)
	}
}

func TestErrorForPrecision(t *testing.T) {
	tests := []struct {
		precision int
		want      float64
	}{
		{3, 0},
		{20, 0},
		{12, 0.01625},
		{10, 0.0325},
		{16, 0.0040625},
	}
	for _, tt := range tests {
		if got := ErrorForPrecision(tt.precision); got != tt.want {
			t.Errorf("ErrorForPrecision(%d) = %v, want %v", tt.precision, got, tt.want)
		}
	}
}

func TestPrecisionForError(t *testing.T) {
	tests := []struct {
		eps  float64
		want int
	}{
		{1.0, -1},
		{0.0, -1},
		{0.02, 12},
		{0.01, 14},
		{0.005, 16},
	}
	for _, tt := range tests {
		if got := PrecisionForError(tt.eps); got != tt.want {
			t.Errorf("PrecisionForError(%v) = %d, want %d", tt.eps, got, tt.want)
		}
	}
}

func TestBytesForPrecision(t *testing.T) {
	tests := []struct {
		precision int
		want      uint64
	}{
		{3, 0},
		{20, 0},
		{10, 820},
		{12, 3280},
		{14, 13108},
		{16, 52432},
	}
	for _, tt := range tests {
		if got := BytesForPrecision(tt.precision); got != tt.want {
			t.Errorf("BytesForPrecision(%d) = %d, want %d", tt.precision, got, tt.want)
		}
	}
}

func TestRegisterPacking(t *testing.T) {
	h, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = h.Destroy() }()

	// Write a distinct value into every register and read them all back.
	for i := uint64(0); i < 16; i++ {
		h.setRegister(i, uint32(i*3)%64)
	}
	for i := uint64(0); i < 16; i++ {
		if got := h.getRegister(i); got != uint32(i*3)%64 {
			t.Errorf("register %d = %d, want %d", i, got, uint32(i*3)%64)
		}
	}
}
