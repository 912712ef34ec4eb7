package codec

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	// Deterministic encoding so equal values always produce equal bytes.
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		TimeTag: cbor.DecTagOptional,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// CborMarshaler marshals values as deterministic CBOR with RFC 3339 UTC
// timestamps.
type CborMarshaler struct{}

var _ Marshaler = CborMarshaler{}

func (CborMarshaler) Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (CborMarshaler) NewEncoder(w io.Writer) Encoder {
	return encMode.NewEncoder(w)
}

// CborUnmarshaler decodes CBOR produced by CborMarshaler or by the server.
type CborUnmarshaler struct{}

var _ Unmarshaler = CborUnmarshaler{}

func (CborUnmarshaler) Unmarshal(data []byte, dst any) error {
	return decMode.Unmarshal(data, dst)
}

func (CborUnmarshaler) NewDecoder(r io.Reader) Decoder {
	return decMode.NewDecoder(r)
}
