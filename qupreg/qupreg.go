// Package qupreg holds the register map of the Qualcomm QUP SPI mini-core.
// Offsets are relative to the controller base and bit fields match the
// hardware documentation exactly.
package qupreg

// QUP core registers.
const (
	QUP_CONFIG           = 0x0000
	QUP_STATE            = 0x0004
	QUP_IO_M_MODES       = 0x0008
	QUP_SW_RESET         = 0x000c
	QUP_OPERATIONAL      = 0x0018
	QUP_ERROR_FLAGS      = 0x001c
	QUP_ERROR_FLAGS_EN   = 0x0020
	QUP_OPERATIONAL_MASK = 0x0028
	QUP_HW_VERSION       = 0x0030
	QUP_MX_OUTPUT_CNT    = 0x0100
	QUP_OUTPUT_FIFO      = 0x0110
	QUP_MX_WRITE_CNT     = 0x0150
	QUP_MX_INPUT_CNT     = 0x0200
	QUP_MX_READ_CNT      = 0x0208
	QUP_INPUT_FIFO       = 0x0218
)

// SPI mini-core registers.
const (
	SPI_CONFIG         = 0x0300
	SPI_IO_CONTROL     = 0x0304
	SPI_ERROR_FLAGS    = 0x0308
	SPI_ERROR_FLAGS_EN = 0x030c
)

// RegisterWindow is the size of the mapped register block.
const RegisterWindow = 0x400

// QUP_CONFIG fields
const (
	QUP_CONFIG_SPI_MODE        = 1 << 8
	QUP_CONFIG_CLOCK_AUTO_GATE = 1 << 13
	QUP_CONFIG_NO_INPUT        = 1 << 7
	QUP_CONFIG_NO_OUTPUT       = 1 << 6
	QUP_CONFIG_N               = 0x001f
)

// QUP_STATE fields
const (
	QUP_STATE_VALID = 1 << 2
	QUP_STATE_RESET = 0
	QUP_STATE_RUN   = 1
	QUP_STATE_PAUSE = 3
	QUP_STATE_MASK  = 3
	// Written twice to leave PAUSE for RESET.
	QUP_STATE_CLEAR = 2
)

const QUP_HW_VERSION_2_1_1 = 0x20010001

// QUP_IO_M_MODES fields
const (
	QUP_IO_M_PACK_EN                = 1 << 15
	QUP_IO_M_UNPACK_EN              = 1 << 14
	QUP_IO_M_INPUT_MODE_MASK_SHIFT  = 12
	QUP_IO_M_OUTPUT_MODE_MASK_SHIFT = 10
	QUP_IO_M_INPUT_MODE_MASK        = 3 << QUP_IO_M_INPUT_MODE_MASK_SHIFT
	QUP_IO_M_OUTPUT_MODE_MASK       = 3 << QUP_IO_M_OUTPUT_MODE_MASK_SHIFT

	// Read-only geometry fields.
	QUP_IO_M_GEOMETRY_MASK = 0x3ff
)

// IO mode encodings for the input and output mode fields.
const (
	QUP_IO_M_MODE_FIFO  = 0
	QUP_IO_M_MODE_BLOCK = 1
	QUP_IO_M_MODE_DMOV  = 2
	QUP_IO_M_MODE_BAM   = 3
)

// QUP_OPERATIONAL fields
const (
	QUP_OP_IN_BLOCK_READ_REQ    = 1 << 13
	QUP_OP_OUT_BLOCK_WRITE_REQ  = 1 << 12
	QUP_OP_MAX_INPUT_DONE_FLAG  = 1 << 11
	QUP_OP_MAX_OUTPUT_DONE_FLAG = 1 << 10
	QUP_OP_IN_SERVICE_FLAG      = 1 << 9
	QUP_OP_OUT_SERVICE_FLAG     = 1 << 8
	QUP_OP_IN_FIFO_FULL         = 1 << 7
	QUP_OP_OUT_FIFO_FULL        = 1 << 6
	QUP_OP_IN_FIFO_NOT_EMPTY    = 1 << 5
	QUP_OP_OUT_FIFO_NOT_EMPTY   = 1 << 4
)

// QUP_ERROR_FLAGS and QUP_ERROR_FLAGS_EN fields
const (
	QUP_ERROR_OUTPUT_OVER_RUN  = 1 << 5
	QUP_ERROR_INPUT_UNDER_RUN  = 1 << 4
	QUP_ERROR_OUTPUT_UNDER_RUN = 1 << 3
	QUP_ERROR_INPUT_OVER_RUN   = 1 << 2
)

// SPI_CONFIG fields
const (
	SPI_CONFIG_HS_MODE     = 1 << 10
	SPI_CONFIG_INPUT_FIRST = 1 << 9
	SPI_CONFIG_LOOPBACK    = 1 << 8
)

// SPI_IO_CONTROL fields
const (
	SPI_IO_C_FORCE_CS        = 1 << 11
	SPI_IO_C_CLK_IDLE_HIGH   = 1 << 10
	SPI_IO_C_MX_CS_MODE      = 1 << 8
	SPI_IO_C_CS_N_POLARITY_0 = 1 << 4
	SPI_IO_C_CS_SELECT_MASK  = 0x000c
	SPI_IO_C_TRISTATE_CS     = 1 << 1
	SPI_IO_C_NO_TRI_STATE    = 1 << 0
)

// SPI_ERROR_FLAGS and SPI_ERROR_FLAGS_EN fields
const (
	SPI_ERROR_CLK_OVER_RUN  = 1 << 1
	SPI_ERROR_CLK_UNDER_RUN = 1 << 0
)

const (
	SPI_NUM_CHIPSELECTS = 4
	// Count registers are 16 bits wide.
	SPI_MAX_XFER = 64*1024 - 64
	// High speed mode is used for bus rates of 26MHz and above.
	SPI_HS_MIN_RATE = 26000000
	SPI_MAX_RATE    = 50000000

	SPI_DELAY_THRESHOLD = 1
	SPI_DELAY_RETRY     = 10
)

// SPI_IO_C_CS_SELECT encodes chip select x into the SPI_IO_CONTROL field.
func SPI_IO_C_CS_SELECT(x uint32) uint32 { return (x & 3) << 2 }

// Geometry is the block and FIFO sizes, in bytes, advertised by QUP_IO_M_MODES.
type Geometry struct {
	InBlockSize  int
	InFIFOSize   int
	OutBlockSize int
	OutFIFOSize  int
}

// DecodeGeometry extracts the block and FIFO sizes from a QUP_IO_M_MODES value.
func DecodeGeometry(iomode uint32) (g Geometry) {
	g.OutBlockSize = blockSize(iomode & 0x03)
	g.InBlockSize = blockSize((iomode >> 5) & 0x03)
	g.OutFIFOSize = g.OutBlockSize * (2 << ((iomode >> 2) & 0x07))
	g.InFIFOSize = g.InBlockSize * (2 << ((iomode >> 7) & 0x07))
	return g
}

// EncodeGeometry is the inverse of DecodeGeometry for field values.
// blk fields are 0..3 and fifo fields 0..7.
func EncodeGeometry(outBlk, outFIFO, inBlk, inFIFO uint32) uint32 {
	return (outBlk & 0x3) | (outFIFO&0x7)<<2 | (inBlk&0x3)<<5 | (inFIFO&0x7)<<7
}

func blockSize(field uint32) int {
	if field == 0 {
		return 4
	}
	return int(field) * 16
}
