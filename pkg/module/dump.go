package module

import (
	"fmt"
	"strings"
)

// Dump returns a module-wide listing: imports, fields, resources and the
// disassembly of every method body.
func Dump(m *Module) (string, error) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; module %s\n", m.Name))

	if len(m.Imports) > 0 {
		sb.WriteString("\n; Imports:\n")
		for _, imp := range m.Imports {
			params := make([]string, len(imp.Params))
			for i, p := range imp.Params {
				params[i] = p.String()
			}
			sb.WriteString(fmt.Sprintf(";   #%d %s(%s) %s\n", imp.Token, imp.Name, strings.Join(params, ", "), imp.Returns))
		}
	}

	if len(m.Resources) > 0 {
		sb.WriteString("\n; Resources:\n")
		for _, r := range m.Resources {
			vis := "public"
			if r.Private {
				vis = "private"
			}
			sb.WriteString(fmt.Sprintf(";   %s %s (%d bytes)\n", vis, r.Name, len(r.Data)))
		}
	}

	for _, t := range m.Types {
		sb.WriteString(fmt.Sprintf("\ntype %s%s\n", t.Name, attrSuffix(t.Attributes)))

		for _, f := range m.Fields {
			if f.Owner != t.Name {
				continue
			}
			sb.WriteString(fmt.Sprintf("  field #%d %s%s\n", f.Token, fieldDecl(f), attrSuffix(f.Attributes)))
		}

		for _, meth := range m.Methods {
			if meth.Owner != t.Name {
				continue
			}
			sb.WriteString(fmt.Sprintf("  method #%d %s%s\n", meth.Token, meth.Signature(), attrSuffix(meth.Attributes)))
			if meth.Body == nil {
				continue
			}
			c, err := m.EncodeBody(meth)
			if err != nil {
				return "", err
			}
			for _, line := range strings.Split(strings.TrimRight(c.DisassembleWithName(meth.FullName()), "\n"), "\n") {
				sb.WriteString("    ")
				sb.WriteString(line)
				sb.WriteString("\n")
			}
		}
	}

	return sb.String(), nil
}

func fieldDecl(f *Field) string {
	if f.Flags&FlagPrivate != 0 {
		return fmt.Sprintf("private static %s %s", f.Type, f.Name)
	}
	return fmt.Sprintf("static %s %s", f.Type, f.Name)
}

func attrSuffix(attrs []Attribute) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, len(attrs))
	for i, a := range attrs {
		if len(a.Args) > 0 {
			parts[i] = fmt.Sprintf("%s(%s)", a.Name, strings.Join(a.Args, ", "))
		} else {
			parts[i] = a.Name
		}
	}
	return " [" + strings.Join(parts, ", ") + "]"
}
