package module

import (
	"sort"

	"github.com/chazu/litweave/pkg/bytecode"
)

// Host routine names. The interpreter provides an implementation for each.
const (
	HostResourceOpen     = "resource.Open"
	HostStreamReadFull   = "stream.ReadFull"
	HostAESNew           = "aes.New"
	HostAESCreateDecrypt = "aes.CreateDecryptor"
	HostCryptoNewReader  = "crypto.NewReader"
	HostCryptoFinish     = "crypto.Finish"
	HostObjectDispose    = "object.Dispose"
	HostLazyNew          = "lazy.New"
	HostLazyValue        = "lazy.Value"
	HostUTF8GetString    = "utf8.GetString"
	HostStringIntern     = "string.Intern"
	HostConsoleWriteLine = "console.WriteLine"
)

const (
	tVoid   = bytecode.TypeVoid
	tInt32  = bytecode.TypeInt32
	tString = bytecode.TypeString
	tBytes  = bytecode.TypeBytes
	tObject = bytecode.TypeObject
)

func sig(name string, returns bytecode.ValueType, params ...bytecode.ValueType) Import {
	return Import{Name: name, Params: params, Returns: returns}
}

var hostCatalog = map[string]Import{
	// (name) stream; raises ResourceNotFound
	HostResourceOpen: sig(HostResourceOpen, tObject, tString),
	// (stream, buf, offset, count) count; raises ShortRead
	HostStreamReadFull: sig(HostStreamReadFull, tInt32, tObject, tBytes, tInt32, tInt32),
	HostAESNew:         sig(HostAESNew, tObject),
	// (provider, key, iv) transform
	HostAESCreateDecrypt: sig(HostAESCreateDecrypt, tObject, tObject, tBytes, tBytes),
	// (stream, transform) reader
	HostCryptoNewReader: sig(HostCryptoNewReader, tObject, tObject, tObject),
	// (reader); checks the remaining plaintext is zero padding
	HostCryptoFinish:     sig(HostCryptoFinish, tVoid, tObject),
	HostObjectDispose:    sig(HostObjectDispose, tVoid, tObject),
	HostLazyNew:          sig(HostLazyNew, tObject, tObject),
	HostLazyValue:        sig(HostLazyValue, tBytes, tObject),
	HostUTF8GetString:    sig(HostUTF8GetString, tString, tBytes, tInt32, tInt32),
	HostStringIntern:     sig(HostStringIntern, tString, tString),
	HostConsoleWriteLine: sig(HostConsoleWriteLine, tVoid, tString),
}

// HostSignature returns the declared signature of a host routine.
func HostSignature(name string) (Import, bool) {
	imp, ok := hostCatalog[name]
	if !ok {
		return Import{}, false
	}
	imp.Params = append([]bytecode.ValueType(nil), imp.Params...)
	return imp, true
}

// HostNames returns every known host routine name, sorted.
func HostNames() []string {
	names := make([]string, 0, len(hostCatalog))
	for name := range hostCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
