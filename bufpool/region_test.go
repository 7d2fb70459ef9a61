package bufpool_test

import (
	"sync"
	"testing"

	"github.com/Achillessanger/SmartWN/bufpool"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
)

func TestRegionGetPutConservesCount(t *testing.T) {
	dev := soft.NewDevice(verbs.GID{}, 256)
	region, err := bufpool.New(dev, 64, 8, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if region.Size() != 8 {
		t.Fatalf("expected 8 free buffers, got %d", region.Size())
	}

	var bufs []*bufpool.Buffer
	for i := 0; i < 8; i++ {
		b := region.Get()
		if b == nil {
			t.Fatalf("unexpected nil buffer at %d", i)
		}
		bufs = append(bufs, b)
	}
	if region.Size() != 0 {
		t.Fatalf("expected 0 free buffers, got %d", region.Size())
	}
	if b := region.Get(); b != nil {
		t.Fatalf("expected nil from exhausted region")
	}

	for _, b := range bufs {
		b.Release()
	}
	if region.Size() != 8 {
		t.Fatalf("expected 8 free buffers after release, got %d", region.Size())
	}
}

func TestRegionConcurrentGetPut(t *testing.T) {
	dev := soft.NewDevice(verbs.GID{}, 256)
	region, err := bufpool.New(dev, 32, 64, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b := region.Get()
				if b == nil {
					continue
				}
				b.Release()
			}
		}()
	}
	wg.Wait()

	if region.Size() != 64 {
		t.Fatalf("buffer leak: expected 64 free, got %d", region.Size())
	}
}
