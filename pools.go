package fragbench

import "sync"

var valueBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 65536)
	},
}

func releaseValueBytes(b []byte) {
	valueBytesPool.Put(b[:0])
}
