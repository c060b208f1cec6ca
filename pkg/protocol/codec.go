package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the gRPC content-subtype used by vault RPCs.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	// Payload size is bounded by the transport; these bound structure.
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 12,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
}

// Codec serialises vault messages as canonical CBOR. It satisfies
// google.golang.org/grpc/encoding.Codec.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

func (Codec) Name() string {
	return CodecName
}
