package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// Pause emits the architecture's spin-wait hint instruction. It is used by
// the spinlock implementation while waiting for a contended lock.
func Pause()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register. The kernel reads CR2
// after a page fault to discover the faulting virtual address.
func ReadCR2() uint64

// ReadMSR returns the value of the model-specific register named by reg.
func ReadMSR(reg uint32) uint64

// WriteMSR writes val to the model-specific register named by reg.
func WriteMSR(reg uint32, val uint64)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// CoreID returns an implementation-defined identifier for the executing
// core. On single-core configurations this is always 0.
func CoreID() uint32

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

const (
	// msrExtendedFeatureEnable is the EFER MSR. Bit 11 (NXE) must be set
	// before any page table entry's no-execute bit has any effect.
	msrExtendedFeatureEnable = 0xC0000080

	efernxeBit = 1 << 11
)

// SupportsNoExecute reports whether the CPU implements the no-execute page
// protection bit (checked via CPUID leaf 0x80000001, EDX bit 20).
func SupportsNoExecute() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<20) != 0
}

// SupportsSyscall reports whether the CPU implements the SYSCALL/SYSRET
// fast system-call instructions (CPUID leaf 0x80000001, EDX bit 11).
func SupportsSyscall() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<11) != 0
}

// PhysAddrBits returns the number of physical address bits implemented by
// the CPU, as reported by CPUID leaf 0x80000008.
func PhysAddrBits() uint8 {
	eax, _, _, _ := cpuidFn(0x80000008)
	return uint8(eax & 0xff)
}

// EnableNoExecute sets the NXE bit in the EFER MSR. It must be called once,
// early in boot, before any page table entry relies on the no-execute bit.
func EnableNoExecute() {
	efer := ReadMSR(msrExtendedFeatureEnable)
	WriteMSR(msrExtendedFeatureEnable, efer|efernxeBit)
}
