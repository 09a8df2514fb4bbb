package metadata

// AttachmentIDKey is the property bag key transports use for the attachment reference.
const AttachmentIDKey = "_bmid"

// Properties is the property bag carried alongside an envelope. The attachment
// reference is a typed field; everything else lives in Extra.
type Properties struct {
	AttachmentID string
	Extra        map[string]string
}

// HasAttachment reports whether the envelope references an out-of-band attachment.
func (p Properties) HasAttachment() bool {
	return p.AttachmentID != ""
}

// Get returns the value stored under key, including the well-known attachment key.
func (p Properties) Get(key string) string {
	if key == AttachmentIDKey {
		return p.AttachmentID
	}
	return p.Extra[key]
}

// Set stores value under key, routing well-known keys to their typed fields.
func (p *Properties) Set(key, value string) {
	if key == AttachmentIDKey {
		p.AttachmentID = value
		return
	}
	if p.Extra == nil {
		p.Extra = make(map[string]string)
	}
	p.Extra[key] = value
}

// Clone returns a copy whose Extra map does not alias the original.
func (p Properties) Clone() Properties {
	cloned := Properties{AttachmentID: p.AttachmentID}
	if len(p.Extra) > 0 {
		cloned.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			cloned.Extra[k] = v
		}
	}
	return cloned
}

// ToMap flattens the properties into the wire representation used by transports.
func (p Properties) ToMap() map[string]string {
	size := len(p.Extra)
	if p.AttachmentID != "" {
		size++
	}
	out := make(map[string]string, size)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.AttachmentID != "" {
		out[AttachmentIDKey] = p.AttachmentID
	}
	return out
}

// FromMap builds Properties from a flat transport map.
func FromMap(values map[string]string) Properties {
	var p Properties
	for k, v := range values {
		p.Set(k, v)
	}
	return p
}

// New constructs Properties from alternating key/value pairs.
func New(pairs ...string) Properties {
	var p Properties
	for i := 0; i < len(pairs)-1; i += 2 {
		p.Set(pairs[i], pairs[i+1])
	}
	return p
}
