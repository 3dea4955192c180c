package weaver

import (
	"bytes"
	"testing"
)

func TestEncryptRoundTrip(t *testing.T) {
	key, err := deriveKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != keySize {
		t.Fatalf("key is %d bytes, want %d", len(key), keySize)
	}

	for _, n := range []int{0, 1, 15, 16, 17, 1000} {
		plain := make([]byte, n)
		for i := range plain {
			plain[i] = byte('a' + i%26)
		}
		ct, err := encrypt(plain, key)
		if err != nil {
			t.Fatalf("encrypt(%d): %v", n, err)
		}
		if len(ct) != padLen(n) || len(ct)%16 != 0 {
			t.Errorf("encrypt(%d) gave %d bytes, want %d", n, len(ct), padLen(n))
		}
		got, err := decrypt(ct, key, n)
		if err != nil {
			t.Fatalf("decrypt(%d): %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("round trip of %d bytes = %q, want %q", n, got, plain)
		}
		full, _ := decrypt(ct, key, len(ct))
		for i := n; i < len(full); i++ {
			if full[i] != 0 {
				t.Errorf("n=%d: pad byte %d = %d, want 0", n, i, full[i])
			}
		}
	}
}

func TestPadLen(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 0}, {1, 16}, {15, 16}, {16, 16}, {17, 32}, {1000, 1008},
	}
	for _, tt := range tests {
		if got := padLen(tt.n); got != tt.want {
			t.Errorf("padLen(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestDeriveKeyIsFresh(t *testing.T) {
	a, err := deriveKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := deriveKey()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two derived keys are equal")
	}
}

func TestProtectLayout(t *testing.T) {
	buf := []byte("HelloWorld")

	p, err := protect(buf, true, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.data) != keySize+16 {
		t.Fatalf("embedded payload is %d bytes, want %d", len(p.data), keySize+16)
	}
	if !bytes.Equal(p.data[:keySize], p.key) {
		t.Error("payload does not start with the key")
	}
	if p.byteCount != len(buf) {
		t.Errorf("byteCount = %d, want %d", p.byteCount, len(buf))
	}
	if bytes.Contains(p.data, buf) {
		t.Error("payload contains the plaintext")
	}

	p, err = protect(buf, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.data) != 16 {
		t.Errorf("ciphertext-only payload is %d bytes, want 16", len(p.data))
	}
	got, err := decrypt(p.data, p.key, p.byteCount)
	if err != nil || !bytes.Equal(got, buf) {
		t.Errorf("decrypt = %q, %v; want %q", got, err, buf)
	}

	p, err = protect(buf, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.key != nil || !bytes.Equal(p.data, buf) {
		t.Errorf("unencrypted payload = %q (key %x), want the buffer", p.data, p.key)
	}
}
