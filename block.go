package qup

import "github.com/soypat/qup/qupreg"

// blockRead moves whole input blocks into x while the controller requests
// them. It returns the operational flags as last observed, which callers must
// use in place of any earlier snapshot. Called with c.mu held.
func (c *Controller) blockRead(x *Transfer) (opflags uint32) {
	n := x.Len()
	wordsPerBlock := c.geom.InBlockSize / 4
	for {
		c.write(qupreg.QUP_OPERATIONAL, qupreg.QUP_OP_IN_SERVICE_FLAG)
		for i := 0; i < wordsPerBlock && c.prog.RxBytes < n; i++ {
			c.storeReadWord(x, c.read(qupreg.QUP_INPUT_FIFO))
		}
		if c.read(qupreg.QUP_OPERATIONAL)&qupreg.QUP_OP_IN_BLOCK_READ_REQ == 0 || c.prog.RxBytes >= n {
			break
		}
	}
	// MAX_INPUT_DONE may have been raised while the last block was read, in
	// which case IN_SERVICE is set again and must be cleared once more.
	opflags = c.read(qupreg.QUP_OPERATIONAL)
	if opflags&qupreg.QUP_OP_MAX_INPUT_DONE_FLAG != 0 {
		c.write(qupreg.QUP_OPERATIONAL, qupreg.QUP_OP_IN_SERVICE_FLAG)
	}
	return opflags
}

// blockWrite feeds whole output blocks from x while the controller requests
// them. Called with c.mu held.
func (c *Controller) blockWrite(x *Transfer) {
	n := x.Len()
	wordsPerBlock := c.geom.OutBlockSize / 4
	for {
		c.write(qupreg.QUP_OPERATIONAL, qupreg.QUP_OP_OUT_SERVICE_FLAG)
		for i := 0; i < wordsPerBlock && c.prog.TxBytes < n; i++ {
			c.write(qupreg.QUP_OUTPUT_FIFO, c.nextWriteWord(x))
		}
		if c.read(qupreg.QUP_OPERATIONAL)&qupreg.QUP_OP_OUT_BLOCK_WRITE_REQ == 0 || c.prog.TxBytes >= n {
			return
		}
	}
}
