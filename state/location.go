package state

import "fmt"

// Location classifies the kind of firmware read a call site substitutes.
type Location uint8

const (
	LocMSR Location = iota
	LocMMIO
	LocPortIO
	LocCPUID
	LocPCIConfig
	LocVirtIO
	LocRandom

	LocationCount
)

var locationNames = [LocationCount]string{
	LocMSR:       "msr",
	LocMMIO:      "mmio",
	LocPortIO:    "pio",
	LocCPUID:     "cpuid",
	LocPCIConfig: "pci",
	LocVirtIO:    "virtio",
	LocRandom:    "random",
}

func (l Location) String() string {
	if l < LocationCount {
		return locationNames[l]
	}
	return fmt.Sprintf("loc%d", uint8(l))
}

// Valid reports whether l is a known location kind.
func (l Location) Valid() bool {
	return l < LocationCount
}
