package wire

import (
	"bytes"

	"kafl.local/agent/memory"

	ssz "github.com/ferranbt/fastssz"
	"github.com/pkg/errors"
)

// Container is a fixed-size structure that lives in guest memory.
type Container interface {
	ssz.Marshaler
	ssz.Unmarshaler
}

// Load reads c from guest memory at addr.
func Load(mem memory.Space, addr uint64, c Container) error {
	buf := make([]byte, c.SizeSSZ())
	if err := mem.Read(addr, buf); err != nil {
		return errors.Wrapf(err, "read %T at 0x%x", c, addr)
	}
	return c.UnmarshalSSZ(buf)
}

// Store writes c to guest memory at addr.
func Store(mem memory.Space, addr uint64, c Container) error {
	buf, err := c.MarshalSSZ()
	if err != nil {
		return errors.Wrapf(err, "marshal %T", c)
	}
	if err := mem.Write(addr, buf); err != nil {
		return errors.Wrapf(err, "write %T at 0x%x", c, addr)
	}
	return nil
}

// ErrNonCanonical signals that a structure does not re-encode to its input.
var ErrNonCanonical = errors.New("non-canonical encoding")

// RoundTripTarget constrains containers usable with RoundTrip.
type RoundTripTarget[T any] interface {
	*T
	Container
}

// RoundTrip enforces Encode(Decode(x)) == x.
func RoundTrip[T any, PT RoundTripTarget[T]](data []byte) error {
	var obj PT = PT(new(T))
	if err := obj.UnmarshalSSZ(data); err != nil {
		return errors.Wrap(err, "decode")
	}
	out, err := obj.MarshalSSZ()
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if !bytes.Equal(out, data) {
		return errors.Wrapf(ErrNonCanonical, "%T: input=%x output=%x", obj, data, out)
	}
	return nil
}
