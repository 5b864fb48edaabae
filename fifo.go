package qup

import "github.com/soypat/qup/qupreg"

// fifoRead drains the input FIFO into x. Called with c.mu held.
func (c *Controller) fifoRead(x *Transfer) {
	c.write(qupreg.QUP_OPERATIONAL, qupreg.QUP_OP_IN_SERVICE_FLAG)
	n := x.Len()
	for c.prog.RxBytes < n {
		if c.read(qupreg.QUP_OPERATIONAL)&qupreg.QUP_OP_IN_FIFO_NOT_EMPTY == 0 {
			break
		}
		c.storeReadWord(x, c.read(qupreg.QUP_INPUT_FIFO))
	}
}

// fifoWrite fills the output FIFO from x until it is full or the transfer
// has been fully written. Called with c.mu held.
func (c *Controller) fifoWrite(x *Transfer) {
	c.write(qupreg.QUP_OPERATIONAL, qupreg.QUP_OP_OUT_SERVICE_FLAG)
	n := x.Len()
	for c.prog.TxBytes < n {
		if c.read(qupreg.QUP_OPERATIONAL)&qupreg.QUP_OP_OUT_FIFO_FULL != 0 {
			break
		}
		c.write(qupreg.QUP_OUTPUT_FIFO, c.nextWriteWord(x))
	}
}
