package weaver

import (
	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// decoderBody builds CryptInit_<id>, which returns the plaintext buffer.
//
// For an encrypted payload with the key embedded, the body is
//
//	buf = new u8[byteCount]
//	stream = resource.Open("data-<id>")
//	try {
//	    key = new u8[16]; ReadFull(stream, key, 0, 16)
//	    provider = aes.New()
//	    try {
//	        transform = CreateDecryptor(provider, key, key)
//	        try {
//	            reader = crypto.NewReader(stream, transform)
//	            try {
//	                ReadFull(reader, buf, 0, byteCount)
//	                crypto.Finish(reader)
//	            } finally { Dispose(reader) }
//	        } finally { Dispose(transform) }
//	    } finally { Dispose(provider) }
//	} finally { Dispose(stream) }
//	return buf
//
// Without an embedded key the key array is filled from constants instead
// of the stream. An unencrypted payload is read straight from the stream
// inside a single finally region.
func decoderBody(m *module.Module, resource string, p *payload) (*bytecode.Body, error) {
	e := newEmitter(m)
	g := e.gen

	buf := g.DeclareLocal(bytecode.TypeBytes, "buf")
	stream := g.DeclareLocal(bytecode.TypeObject, "stream")

	e.ldc(int32(p.byteCount))
	g.Emit(bytecode.OpNewArr, bytecode.ElemU8)
	g.Emit(bytecode.OpStLoc, buf)
	g.Emit(bytecode.OpLdStr, resource)
	e.callHost(module.HostResourceOpen)
	g.Emit(bytecode.OpStLoc, stream)

	g.BeginExceptionBlock()
	if p.key == nil {
		e.readFull(stream, buf, p.byteCount)
	} else {
		e.decryptInto(stream, buf, p)
	}
	g.BeginFinallyBlock()
	e.dispose(stream)
	g.EndExceptionBlock()

	g.Emit(bytecode.OpLdLoc, buf)
	g.Emit(bytecode.OpRet, nil)
	return e.finish()
}

func (e *emitter) decryptInto(stream, buf int, p *payload) {
	g := e.gen
	key := g.DeclareLocal(bytecode.TypeBytes, "key")
	provider := g.DeclareLocal(bytecode.TypeObject, "provider")
	transform := g.DeclareLocal(bytecode.TypeObject, "transform")
	reader := g.DeclareLocal(bytecode.TypeObject, "reader")

	e.ldc(keySize)
	g.Emit(bytecode.OpNewArr, bytecode.ElemU8)
	g.Emit(bytecode.OpStLoc, key)
	if p.embedKey {
		e.readFull(stream, key, keySize)
	} else {
		for i, b := range p.key {
			g.Emit(bytecode.OpLdLoc, key)
			e.ldc(int32(i))
			e.ldc(int32(b))
			g.Emit(bytecode.OpStElem, nil)
		}
	}

	e.callHost(module.HostAESNew)
	g.Emit(bytecode.OpStLoc, provider)
	g.BeginExceptionBlock()

	g.Emit(bytecode.OpLdLoc, provider)
	g.Emit(bytecode.OpLdLoc, key)
	g.Emit(bytecode.OpLdLoc, key)
	e.callHost(module.HostAESCreateDecrypt)
	g.Emit(bytecode.OpStLoc, transform)
	g.BeginExceptionBlock()

	g.Emit(bytecode.OpLdLoc, stream)
	g.Emit(bytecode.OpLdLoc, transform)
	e.callHost(module.HostCryptoNewReader)
	g.Emit(bytecode.OpStLoc, reader)
	g.BeginExceptionBlock()

	e.readFull(reader, buf, p.byteCount)
	g.Emit(bytecode.OpLdLoc, reader)
	e.callHost(module.HostCryptoFinish)

	for _, local := range []int{reader, transform, provider} {
		g.BeginFinallyBlock()
		e.dispose(local)
		g.EndExceptionBlock()
	}
}

// readFull emits ReadFull(src, dst, 0, n) and drops the count.
func (e *emitter) readFull(src, dst, n int) {
	g := e.gen
	g.Emit(bytecode.OpLdLoc, src)
	g.Emit(bytecode.OpLdLoc, dst)
	e.ldc(0)
	e.ldc(int32(n))
	e.callHost(module.HostStreamReadFull)
	g.Emit(bytecode.OpPop, nil)
}

func (e *emitter) dispose(local int) {
	e.gen.Emit(bytecode.OpLdLoc, local)
	e.callHost(module.HostObjectDispose)
}
