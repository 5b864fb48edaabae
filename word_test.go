package qup

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackWord(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x56, 0x78, 0x9a}
	for _, test := range []struct {
		off, wsize int
		want       uint32
	}{
		{off: 0, wsize: 1, want: 0x12000000},
		{off: 0, wsize: 2, want: 0x12340000},
		{off: 0, wsize: 4, want: 0x12345678},
		{off: 1, wsize: 4, want: 0x3456789a},
		// Reads past the end are zero filled.
		{off: 4, wsize: 4, want: 0x9a000000},
		{off: 5, wsize: 2, want: 0},
	} {
		got := PackWord(buf, test.off, test.wsize)
		if got != test.want {
			t.Errorf("PackWord(off=%d, wsize=%d)=%#08x, want %#08x", test.off, test.wsize, got, test.want)
		}
	}
	if PackWord(nil, 0, 4) != 0 {
		t.Error("nil tx must pack to zero")
	}
}

func TestUnpackWord(t *testing.T) {
	rx := make([]byte, 4)
	UnpackWord(0x12345678, rx, 0, 4)
	require.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, rx)
	UnpackWord(0x00001234, rx, 2, 2)
	require.Equal(t, []byte{0x12, 0x34, 0x12, 0x34}, rx)
	UnpackWord(0xab, rx, 3, 1)
	require.Equal(t, []byte{0x12, 0x34, 0x12, 0xab}, rx)
	// Must not panic without a buffer or past its end.
	UnpackWord(0xffffffff, nil, 0, 4)
	UnpackWord(0xffffffff, rx, 3, 4)
	require.EqualValues(t, 0xff, rx[3])
}

// The input FIFO returns words right justified, so a packed word reaches
// UnpackWord shifted down by the unused low order bytes.
func TestWordRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := randomBytes(rng, make([]byte, 64))
	for _, wsize := range []int{1, 2, 4} {
		got := make([]byte, len(buf))
		for off := 0; off < len(buf); off += wsize {
			word := PackWord(buf, off, wsize) >> (32 - 8*wsize)
			UnpackWord(word, got, off, wsize)
			require.Equal(t, buf[off:off+wsize], got[off:off+wsize], "wsize=%d off=%d", wsize, off)
		}
		require.Equal(t, buf, got)
	}
}

func TestWordSize(t *testing.T) {
	for bpw, want := range map[uint8]int{4: 1, 8: 1, 9: 2, 16: 2, 17: 4, 24: 4, 32: 4} {
		if got := wordSize(bpw); got != want {
			t.Errorf("wordSize(%d)=%d, want %d", bpw, got, want)
		}
	}
}
