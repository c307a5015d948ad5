package cache

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical records always
// produce identical bytes on disk.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}
}

// keyRecord is stored under the basket -> peer key.
type keyRecord struct {
	Base string `cbor:"1,keyasint,omitempty"`
	Seq  uint64 `cbor:"2,keyasint"`
}

// peerRecord is stored under the peer -> (content, type) key.
type peerRecord struct {
	Revision uint32 `cbor:"1,keyasint"`
	Base     string `cbor:"2,keyasint,omitempty"`
	Seq      uint64 `cbor:"3,keyasint"`
}
