package oracle

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"golang.org/x/xerrors"
)

var uint64Type, _ = abi.NewType("uint64", "", nil)

func cleartextArgs(n int) abi.Arguments {
	args := make(abi.Arguments, n)
	for i := range args {
		args[i] = abi.Argument{Type: uint64Type}
	}
	return args
}

// PackCleartexts ABI-encodes decrypted values as consecutive uint64 words.
func PackCleartexts(vals ...uint64) ([]byte, error) {
	in := make([]interface{}, len(vals))
	for i, v := range vals {
		in[i] = v
	}
	return cleartextArgs(len(vals)).Pack(in...)
}

// UnpackCleartexts decodes n uint64 words produced by PackCleartexts.
func UnpackCleartexts(data []byte, n int) ([]uint64, error) {
	if len(data) != 32*n {
		return nil, xerrors.Errorf("cleartexts: want %d words, got %d bytes", n, len(data))
	}
	out, err := cleartextArgs(n).Unpack(data)
	if err != nil {
		return nil, xerrors.Errorf("cleartexts: %v", err)
	}
	vals := make([]uint64, n)
	for i, o := range out {
		v, ok := o.(uint64)
		if !ok {
			return nil, xerrors.Errorf("cleartexts: word %d is %T", i, o)
		}
		vals[i] = v
	}
	return vals, nil
}
