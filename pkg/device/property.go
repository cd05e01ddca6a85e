package device

import "strings"

// Property is the capability bitset of a characteristic. Bit values follow
// the Characteristic Properties field of the Core Specification.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticated-signed-writes"},
	{PropExtendedProperties, "extended-properties"},
}

// Has reports whether all bits of q are set
func (p Property) Has(q Property) bool {
	return p&q == q
}

// CanNotify reports whether the characteristic supports notify or indicate
func (p Property) CanNotify() bool {
	return p&(PropNotify|PropIndicate) != 0
}

// String renders the set as a comma-separated list ("read,notify")
func (p Property) String() string {
	if p == 0 {
		return ""
	}
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma-separated list produced by String.
// Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.p
			}
		}
	}
	return p
}
