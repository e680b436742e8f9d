package sparse

import "github.com/flashkit/goflash"

var (
	ErrBadMagic        = goflash.ErrBadSparseMagic
	ErrInconsistent    = goflash.ErrInconsistentChunks
	ErrUnaligned       = goflash.ErrUnalignedSize
	ErrOversize        = goflash.ErrOversize
	ErrInvalidArgument = goflash.ErrInvalidArgument
)
