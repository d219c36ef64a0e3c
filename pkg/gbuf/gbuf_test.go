package gbuf

import (
	"errors"
	"testing"
)

func TestAtomicAllocationConsumesCredit(t *testing.T) {
	pool := NewPool(64, 2)

	a, err := Alloc(pool, 1, nil, 16, false, true, nil)
	if err != nil {
		t.Fatalf("first atomic alloc: %v", err)
	}
	b, err := Alloc(pool, 1, nil, 16, false, true, nil)
	if err != nil {
		t.Fatalf("second atomic alloc: %v", err)
	}
	if _, err := Alloc(pool, 1, nil, 16, false, true, nil); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("third atomic alloc: err = %v, want ErrNoMemory", err)
	}

	// blocking allocations ignore the budget
	c, err := Alloc(pool, 1, nil, 16, true, false, nil)
	if err != nil {
		t.Fatalf("blocking alloc: %v", err)
	}
	Free(c)

	Finished(a)
	if pool.Credits() != 1 {
		t.Errorf("credits after finish = %d, want 1", pool.Credits())
	}
	// freeing a finished buffer must not return the credit twice
	Free(a)
	if pool.Credits() != 1 {
		t.Errorf("credits after free = %d, want 1", pool.Credits())
	}
	Free(b)
	if pool.Credits() != 2 {
		t.Errorf("credits = %d, want 2", pool.Credits())
	}
}

func TestAllocTooBig(t *testing.T) {
	pool := NewPool(64, 1)
	if _, err := Alloc(pool, 1, nil, 65, true, false, nil); !errors.Is(err, ErrTooBig) {
		t.Errorf("err = %v, want ErrTooBig", err)
	}
}

func TestFreeNilAndTwice(t *testing.T) {
	Free(nil)
	Finished(nil)

	pool := NewPool(32, 1)
	buf, err := Alloc(pool, 1, nil, 8, false, true, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	Free(buf)
	Free(buf)
	if pool.Credits() != 1 {
		t.Errorf("credits = %d, want 1", pool.Credits())
	}
}

func TestCompleteRecordsStatus(t *testing.T) {
	pool := NewPool(32, 0)
	var seen *Buffer
	buf, err := Alloc(pool, 3, func(b *Buffer) { seen = b }, 8, true, false, "ctx")
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf.Complete(StatusCancelled)
	if seen != buf {
		t.Fatal("completion not called with the buffer")
	}
	if buf.Status != StatusCancelled {
		t.Errorf("status = %d, want %d", buf.Status, StatusCancelled)
	}
	if buf.Context.(string) != "ctx" {
		t.Errorf("context = %v", buf.Context)
	}
}

func TestAllocZeroesRecycledStorage(t *testing.T) {
	pool := NewPool(16, 0)
	buf, _ := Alloc(pool, 1, nil, 16, true, false, nil)
	for i := range buf.TransferBuffer {
		buf.TransferBuffer[i] = 0xff
	}
	Free(buf)

	again, _ := Alloc(pool, 1, nil, 16, true, false, nil)
	for i, b := range again.TransferBuffer {
		if b != 0 {
			t.Fatalf("byte %d = 0x%x, want 0", i, b)
		}
	}
}
