package txq_test

import (
	"testing"

	"github.com/c35s/tbcfg/nhi/txq"
)

func TestQ(t *testing.T) {
	t.Run("empty ring", func(t *testing.T) {
		q := txq.New(0)
		if _, ok := q.Post(1, 4); ok {
			t.Error("posted to an empty ring")
		}

		if _, ok := q.Next(); ok {
			t.Error("next on an empty ring")
		}
	})

	t.Run("nothing available", func(t *testing.T) {
		q := txq.New(2)
		if d, ok := q.Next(); ok {
			t.Errorf("d=%+v", d)
		}

		if d, ok := q.Reclaim(); ok {
			t.Errorf("d=%+v", d)
		}
	})

	t.Run("one available", func(t *testing.T) {
		q := txq.New(2)
		slot, ok := q.Post(7, 16)
		if !ok || slot != 0 {
			t.Fatalf("slot=%d ok=%v", slot, ok)
		}

		d, ok := q.Next()
		if !ok {
			t.Fatal("nothing available")
		}

		if d.ID != 7 || d.Len != 16 || d.Addr != 0 {
			t.Errorf("d=%+v", d)
		}

		if _, ok := q.Reclaim(); ok {
			t.Error("reclaimed before release")
		}

		q.Release(d.ID, 0)

		u, ok := q.Reclaim()
		if !ok || u.ID != 7 {
			t.Errorf("u=%+v ok=%v", u, ok)
		}

		if q.Free() != 2 {
			t.Errorf("free %d != 2", q.Free())
		}
	})

	t.Run("full", func(t *testing.T) {
		q := txq.New(2)
		for i := 0; i < 2; i++ {
			if _, ok := q.Post(uint16(i), 4); !ok {
				t.Fatalf("post %d failed", i)
			}
		}

		if _, ok := q.Post(9, 4); ok {
			t.Error("posted to a full ring")
		}
	})

	t.Run("wrap", func(t *testing.T) {
		q := txq.New(3)
		for i := 0; i < 10; i++ {
			id := uint16(i)
			if _, ok := q.Post(id, 4); !ok {
				t.Fatalf("post %d failed", i)
			}

			d, ok := q.Next()
			if !ok || d.ID != id {
				t.Fatalf("lap %d: d=%+v ok=%v", i, d, ok)
			}

			if _, ok := q.Next(); ok {
				t.Fatalf("lap %d: extra descriptor", i)
			}

			q.Release(id, 0)
			u, ok := q.Reclaim()
			if !ok || u.ID != id {
				t.Fatalf("lap %d: u=%+v ok=%v", i, u, ok)
			}
		}
	})

	t.Run("in order", func(t *testing.T) {
		q := txq.New(4)
		for i := 0; i < 3; i++ {
			q.Post(uint16(10+i), 4)
		}

		for i := 0; i < 3; i++ {
			d, ok := q.Next()
			if !ok || d.ID != uint16(10+i) {
				t.Fatalf("d=%+v ok=%v", d, ok)
			}
		}
	})
}
