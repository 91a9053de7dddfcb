package capability

// SchemaVersion is the version of the manifest format itself, not of any
// capability schema. Bumped when the manifest shape changes.
const SchemaVersion = 2

// FieldUnitID is the serial/unit identifier. It is required on every
// factory provisioning write regardless of which capabilities are
// referenced, and lives in the factory partition.
const FieldUnitID = "unit_id"

// Manifest is the static, versioned description of what one unit
// supports. It is assembled at build time from the builtin definitions
// and is immutable at runtime; get_capabilities returns it in full.
type Manifest struct {
	SchemaVersion   int             `json:"schema_version"`
	DeviceType      string          `json:"device_type"`
	Name            string          `json:"name"`
	Firmware        string          `json:"firmware"`
	FirmwareVersion string          `json:"fw_version"`
	Present         map[string]bool `json:"capabilities"`
	Definitions     []Capability    `json:"definitions"`
}

// Build assembles a manifest for a device type carrying the given
// capability kinds. Kinds outside the builtin set are ignored. The
// presence map always lists every known kind so a host can distinguish
// "absent" from "unheard of".
func Build(deviceType, name, firmware, fwVersion string, present []Kind) *Manifest {
	m := &Manifest{
		SchemaVersion:   SchemaVersion,
		DeviceType:      deviceType,
		Name:            name,
		Firmware:        firmware,
		FirmwareVersion: fwVersion,
		Present:         make(map[string]bool, len(builtin)),
	}
	for _, kind := range Kinds() {
		m.Present[string(kind)] = false
	}
	for _, kind := range present {
		def, ok := Definition(kind)
		if !ok {
			continue
		}
		if m.Present[string(kind)] {
			continue
		}
		m.Present[string(kind)] = true
		m.Definitions = append(m.Definitions, def)
	}
	return m
}

// Has reports whether the named capability is present on this unit.
func (m *Manifest) Has(name string) bool {
	return m.Present[name]
}

// Capability returns the definition of a present capability. Absent or
// unknown capabilities return false.
func (m *Manifest) Capability(name string) (*Capability, bool) {
	if !m.Present[name] {
		return nil, false
	}
	for i := range m.Definitions {
		if string(m.Definitions[i].Name) == name {
			return &m.Definitions[i], true
		}
	}
	return nil, false
}

// Enabled returns the present capability definitions in canonical order.
// Hosts dispatch aggregate operations ("run all tests") in this order.
func (m *Manifest) Enabled() []Capability {
	out := make([]Capability, 0, len(m.Definitions))
	for _, kind := range Kinds() {
		for i := range m.Definitions {
			if m.Definitions[i].Name == kind {
				out = append(out, m.Definitions[i])
			}
		}
	}
	return out
}

// PhaseOwner reports which phase declares the given field for a
// capability, resolving the partition a write belongs to. The second
// return is false when neither input schema declares the field.
func (c *Capability) PhaseOwner(field string) (Phase, bool) {
	if DeclaresField(c.FactoryInput, field) {
		return PhaseFactory, true
	}
	if DeclaresField(c.ConsumerInput, field) {
		return PhaseConsumer, true
	}
	return "", false
}
