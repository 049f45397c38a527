package vmm

// Flags is the portable set of mapping attributes the backend accepts and
// reports, independent of the architecture's page table bit layout. An
// explicit Execute is required to leave a mapping executable; the default,
// in the absence of Execute, is non-executable.
type Flags uint32

const (
	// Read is always implied for a present mapping; callers may omit it.
	Read Flags = 1 << iota

	// Write allows the mapping to be written to.
	Write

	// Execute allows instruction fetches from the mapping. Without it the
	// backend sets the architecture's no-execute bit.
	Execute

	// User allows user-mode accesses. Without it only kernel-mode code
	// may touch the mapping.
	User

	// Global prevents the TLB from dropping the translation on an
	// address-space switch.
	Global

	// NoCache disables caching for the mapping.
	NoCache

	// Huge2M and Huge1G are accepted but currently unactioned: Map and
	// MapRange always install 4 KiB leaves regardless of these bits.
	// Huge-page leaves installed by other means (the bootloader, or a
	// test fixture) are still correctly detected and reported by Resolve
	// and Query, via PteInfo.PageShift rather than these flags.
	Huge2M
	Huge1G
)

// normalize defaults an empty flag set to Read, matching the facade's
// documented precondition handling.
func (f Flags) normalize() Flags {
	if f == 0 {
		return Read
	}
	return f
}
