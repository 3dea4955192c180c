package vm

import (
	"crypto/aes"
	"crypto/cipher"
	"io"
)

// ---------------------------------------------------------------------------
// AES-CBC decryption objects
// ---------------------------------------------------------------------------

// aesProvider mirrors a symmetric algorithm handle: it only creates
// transforms and must be disposed like any other host resource.
type aesProvider struct {
	disposed bool
}

func (p *aesProvider) dispose() string {
	p.disposed = true
	return "provider"
}

// decryptTransform is an AES-CBC decryptor without padding removal.
type decryptTransform struct {
	mode     cipher.BlockMode
	disposed bool
}

func (t *decryptTransform) dispose() string {
	t.disposed = true
	return "transform"
}

// cryptoReader decrypts a ciphertext stream block by block.
type cryptoReader struct {
	src      io.Reader
	mode     cipher.BlockMode
	block    [aes.BlockSize]byte
	plain    []byte // decrypted bytes not yet handed out
	eof      bool
	disposed bool
}

func (r *cryptoReader) Read(p []byte) (int, error) {
	if r.disposed {
		return 0, throwf(KindInvalidProgram, "read from disposed decrypting reader")
	}
	for len(r.plain) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		_, err := io.ReadFull(r.src, r.block[:])
		switch err {
		case nil:
		case io.EOF:
			r.eof = true
			continue
		case io.ErrUnexpectedEOF:
			return 0, throwf(KindCryptoFailure, "ciphertext is not a whole number of blocks")
		default:
			return 0, err
		}
		r.mode.CryptBlocks(r.block[:], r.block[:])
		r.plain = r.block[:]
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *cryptoReader) dispose() string {
	r.disposed = true
	return "reader"
}

func hostAESNew(in *interpreter, args []Value) (Value, error) {
	return &aesProvider{}, nil
}

// hostAESCreateDecryptor builds a CBC decryptor from (provider, key, iv).
func hostAESCreateDecryptor(in *interpreter, args []Value) (Value, error) {
	p, ok := args[0].(*aesProvider)
	if !ok {
		return nil, throwf(KindInvalidProgram, "expected AES provider, got %s", typeName(args[0]))
	}
	if p.disposed {
		return nil, throwf(KindInvalidProgram, "AES provider is disposed")
	}
	key, err := argBytes(args[1])
	if err != nil {
		return nil, err
	}
	iv, err := argBytes(args[2])
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, throwf(KindCryptoFailure, "IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Exception{Kind: KindCryptoFailure, Message: "creating cipher", Err: err}
	}
	return &decryptTransform{mode: cipher.NewCBCDecrypter(block, append([]byte(nil), iv...))}, nil
}

func hostCryptoNewReader(in *interpreter, args []Value) (Value, error) {
	src, ok := args[0].(io.Reader)
	if !ok {
		return nil, throwf(KindInvalidProgram, "cannot decrypt from %s", typeName(args[0]))
	}
	t, ok := args[1].(*decryptTransform)
	if !ok {
		return nil, throwf(KindInvalidProgram, "expected decrypt transform, got %s", typeName(args[1]))
	}
	if t.disposed {
		return nil, throwf(KindInvalidProgram, "decrypt transform is disposed")
	}
	return &cryptoReader{src: src, mode: t.mode}, nil
}

// hostCryptoFinish drains the reader and checks that what remains is the
// zero padding of the final block.
func hostCryptoFinish(in *interpreter, args []Value) (Value, error) {
	r, ok := args[0].(*cryptoReader)
	if !ok {
		return nil, throwf(KindInvalidProgram, "expected decrypting reader, got %s", typeName(args[0]))
	}
	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(rest) >= aes.BlockSize {
		return nil, throwf(KindCryptoFailure, "%d bytes of trailing ciphertext", len(rest))
	}
	for _, b := range rest {
		if b != 0 {
			return nil, throwf(KindCryptoFailure, "padding is not zero")
		}
	}
	return nil, nil
}
