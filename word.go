package qup

// PackWord builds the output FIFO word for the wsize bytes of tx starting at
// off. Bytes are left justified: tx[off] lands in bits 31..24. Bytes past the
// end of tx, or a nil tx, read as zero.
func PackWord(tx []byte, off, wsize int) (word uint32) {
	for idx := 0; idx < wsize; idx++ {
		if off+idx >= len(tx) {
			break
		}
		word |= uint32(tx[off+idx]) << (8 * (3 - idx))
	}
	return word
}

// UnpackWord stores the input FIFO word into rx at off. The input FIFO is
// right justified so the first received byte of a word sits in the most
// significant of its wsize bytes:
//
//	4 bytes 0x12345678
//	2 bytes 0x00001234
//	1 byte  0x00000012
//
// Positions past the end of rx are dropped.
func UnpackWord(word uint32, rx []byte, off, wsize int) {
	for idx := 0; idx < wsize; idx++ {
		if off+idx >= len(rx) {
			return
		}
		rx[off+idx] = byte(word >> (8 * (wsize - idx - 1)))
	}
}

// wordSize is the number of bytes per FIFO word for a bus word of bpw bits.
func wordSize(bpw uint8) int {
	switch {
	case bpw <= 8:
		return 1
	case bpw <= 16:
		return 2
	}
	return 4
}

// nextWriteWord packs the next output word of x and advances tx progress.
// Called with c.mu held.
func (c *Controller) nextWriteWord(x *Transfer) uint32 {
	word := PackWord(x.Tx, c.prog.TxBytes, c.prog.WordSize)
	c.prog.TxBytes += c.prog.WordSize
	return word
}

// storeReadWord unpacks an input word into x and advances rx progress.
// Progress advances even without an rx buffer. Called with c.mu held.
func (c *Controller) storeReadWord(x *Transfer, word uint32) {
	UnpackWord(word, x.Rx, c.prog.RxBytes, c.prog.WordSize)
	c.prog.RxBytes += c.prog.WordSize
}
