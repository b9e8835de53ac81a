package protocol

// Version is the only mux protocol version this package speaks.
const Version uint32 = 4

const helloMagic uint32 = 1

// Extension is a named capability advertised in a Hello. Extensions are carried but never interpreted.
type Extension struct {
	Name  string
	Value string
}

// Hello is the version record exchanged by both sides right after connecting.
type Hello struct {
	Version    uint32
	Extensions []Extension
}

func (h *Hello) MarshalWire(e *Encoder) {
	e.Uint32(helloMagic)
	e.Uint32(h.Version)
	for _, ext := range h.Extensions {
		e.String(ext.Name)
		e.String(ext.Value)
	}
}

// UnmarshalWire decodes a Hello. Extensions run to the end of the input.
func (h *Hello) UnmarshalWire(d *Decoder) {
	d.Enter("Hello")
	defer d.Leave()

	if magic := d.Uint32("magic"); d.Err() == nil && magic != helloMagic {
		d.Malformed("magic", "expected %#x, got %#x", helloMagic, magic)
		return
	}
	h.Version = d.Uint32("version")
	h.Extensions = nil
	for d.Err() == nil && d.Len() > 0 {
		var ext Extension
		ext.Name = d.String("extension name")
		ext.Value = d.String("extension value")
		if d.Err() != nil {
			return
		}
		h.Extensions = append(h.Extensions, ext)
	}
}
