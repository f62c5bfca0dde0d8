package hv

// CR0 bits
const (
	Cr0PE = uint64(1)
	Cr0MP = uint64(1 << 1)
	Cr0ET = uint64(1 << 4)
	Cr0NE = uint64(1 << 5)
	Cr0WP = uint64(1 << 16)
	Cr0AM = uint64(1 << 18)
	Cr0PG = uint64(1 << 31)
)

// CR4 bits
const (
	Cr4PAE = uint64(1 << 5)
)

// EFER bits
const (
	EferLME = uint64(1 << 8)
	EferLMA = uint64(1 << 10)
)

// RFLAGS bits
const (
	RflagsReserved = uint64(1 << 1)
	RflagsIF       = uint64(1 << 9)
	RflagsID       = uint64(1 << 21)
)
