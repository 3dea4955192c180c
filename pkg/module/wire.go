package module

import (
	"fmt"
	"os"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/fxamacker/cbor/v2"
)

// ContainerVersion is the module container format version.
const ContainerVersion uint16 = 1

// cborEncMode uses canonical mode so that equal modules encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("module: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireModule struct {
	Version   uint16       `cbor:"1,keyasint"`
	Name      string       `cbor:"2,keyasint"`
	Types     []*Type      `cbor:"3,keyasint,omitempty"`
	Methods   []wireMethod `cbor:"4,keyasint,omitempty"`
	Fields    []*Field     `cbor:"5,keyasint,omitempty"`
	Imports   []*Import    `cbor:"6,keyasint,omitempty"`
	Resources []*Resource  `cbor:"7,keyasint,omitempty"`
}

type wireMethod struct {
	Owner      string             `cbor:"1,keyasint"`
	Name       string             `cbor:"2,keyasint"`
	Flags      Flags              `cbor:"3,keyasint"`
	Params     []Param            `cbor:"4,keyasint,omitempty"`
	Returns    bytecode.ValueType `cbor:"5,keyasint"`
	Attributes []Attribute        `cbor:"6,keyasint,omitempty"`
	Body       []byte             `cbor:"7,keyasint,omitempty"` // serialized chunk
}

// Marshal serializes a module to CBOR bytes. Every body is encoded and
// validated first, so a module that marshals is a module that loads.
func Marshal(m *Module) ([]byte, error) {
	w := wireModule{
		Version:   ContainerVersion,
		Name:      m.Name,
		Types:     m.Types,
		Fields:    m.Fields,
		Imports:   m.Imports,
		Resources: m.Resources,
	}
	for _, meth := range m.Methods {
		wm := wireMethod{
			Owner:      meth.Owner,
			Name:       meth.Name,
			Flags:      meth.Flags,
			Params:     meth.Params,
			Returns:    meth.Returns,
			Attributes: meth.Attributes,
		}
		if meth.Body != nil {
			c, err := m.EncodeBody(meth)
			if err != nil {
				return nil, fmt.Errorf("module: marshal: %w", err)
			}
			if wm.Body, err = c.Serialize(); err != nil {
				return nil, fmt.Errorf("module: marshal %s: %w", meth.FullName(), err)
			}
		}
		w.Methods = append(w.Methods, wm)
	}
	return cborEncMode.Marshal(&w)
}

// Unmarshal deserializes a module from CBOR bytes.
func Unmarshal(data []byte) (*Module, error) {
	var w wireModule
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("module: unmarshal: %w", err)
	}
	if w.Version > ContainerVersion {
		return nil, fmt.Errorf("module: container version %d is newer than supported version %d", w.Version, ContainerVersion)
	}

	m := &Module{
		Name:      w.Name,
		Types:     w.Types,
		Fields:    w.Fields,
		Imports:   w.Imports,
		Resources: w.Resources,
	}
	for i, f := range m.Fields {
		f.Token = bytecode.Token(i)
	}
	for i, imp := range m.Imports {
		imp.Token = bytecode.Token(i)
	}
	for i, wm := range w.Methods {
		meth := &Method{
			Token:      bytecode.Token(i),
			Owner:      wm.Owner,
			Name:       wm.Name,
			Flags:      wm.Flags,
			Params:     wm.Params,
			Returns:    wm.Returns,
			Attributes: wm.Attributes,
		}
		if len(wm.Body) > 0 {
			c, err := bytecode.Deserialize(wm.Body)
			if err != nil {
				return nil, fmt.Errorf("module: unmarshal %s: %w", meth.FullName(), err)
			}
			if meth.Body, err = bytecode.Decode(c); err != nil {
				return nil, fmt.Errorf("module: unmarshal %s: %w", meth.FullName(), err)
			}
		}
		m.Methods = append(m.Methods, meth)
	}
	return m, nil
}

// ReadFile loads a module container from disk.
func ReadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module: %w", err)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteFile stores a module container on disk.
func WriteFile(path string, m *Module) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing module: %w", err)
	}
	return nil
}
