package astiavlib

// #cgo pkg-config: libavcodec libavformat
// #include <stdlib.h>
// #include <libavcodec/avcodec.h>
// #include <libavformat/avformat.h>
//
// static int decoder_capabilities(const char *name) {
// 	const AVCodec *c = avcodec_find_decoder_by_name(name);
// 	return c ? c->capabilities : 0;
// }
//
// static int input_eof_reached(const AVFormatContext *fc) {
// 	return fc && fc->pb && fc->pb->eof_reached;
// }
import "C"

import (
	"unsafe"

	"github.com/asticode/go-astiav"

	"github.com/smazurov/capturenode/internal/avlib"
)

// astiav.FormatContext holds nothing but the libav pointer; eofReached reads
// it directly. This fails to compile if the wrapper ever grows.
var _ = [1]struct{}{}[unsafe.Sizeof(astiav.FormatContext{})-unsafe.Sizeof(uintptr(0))]

// decoderCapabilities reads the threading capabilities of a decoder, which
// go-astiav does not expose.
func decoderCapabilities(name string) avlib.Capability {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	c := C.decoder_capabilities(cname)
	var caps avlib.Capability
	if c&C.AV_CODEC_CAP_FRAME_THREADS != 0 {
		caps |= avlib.CapFrameThreads
	}
	if c&C.AV_CODEC_CAP_SLICE_THREADS != 0 {
		caps |= avlib.CapSliceThreads
	}
	return caps
}

// eofReached reports whether the input's I/O context hit end of buffer.
func eofReached(fc *astiav.FormatContext) bool {
	if fc == nil {
		return false
	}
	p := *(*unsafe.Pointer)(unsafe.Pointer(fc))
	return C.input_eof_reached((*C.AVFormatContext)(p)) != 0
}
