package initrd

import (
	"efilinux/alloc"
	"efilinux/efistatus"
	"efilinux/internal/firmware"
)

// cmdlineCeiling is the kernel's command-line ceiling: the pointer must sit
// between the end of the setup heap and 640 KiB.
const cmdlineCeiling = 0xA0000

// StageCmdline places cmdline, NUL-terminated, in a buffer whose highest
// byte sits below 0xA0000 (spec.md §4.5, spec.md line 99). This is
// AllocateMaxAddress semantics: firmware picks the highest-fitting address
// under the ceiling itself, not EMalloc's AllocateAddress-pinned-under-a-
// ceiling approach.
func StageCmdline(cmdline string, a *alloc.Allocator, bs firmware.BootServices) (uint64, error) {
	payload := append([]byte(cmdline), 0)
	addr, err := a.EMallocMaxAddress(uint64(len(payload)), cmdlineCeiling)
	if err != nil {
		return 0, efistatus.Wrap(efistatus.OutOfResources, "failed to stage command line", err)
	}
	if err := bs.WritePhysical(addr, payload); err != nil {
		_ = a.EFree(addr, uint64(len(payload)))
		return 0, err
	}
	return addr, nil
}
