package simfw

import (
	"efilinux/bootparams"
	"efilinux/internal/firmware"
)

// JumpRecord is what KernelEntryRecorder.Jumped captures: a real jump never
// returns, so tests observe the attempt instead of its outcome.
type JumpRecord struct {
	Handover          bool
	EntryAddr         uint64
	BootParams        uint64
	Image             firmware.Handle
	Systab            uint64
	DescriptorsLoaded bool
	IDT, GDT          bootparams.DescriptorTable
}

// KernelEntryRecorder satisfies handoff.KernelEntry without ever actually
// transferring control — the real leaf operation is architecture-specific
// assembly outside what portable Go can express, so the tests and
// cmd/efilinux use this recorder in its place.
type KernelEntryRecorder struct {
	Jumped *JumpRecord
}

func NewKernelEntryRecorder() *KernelEntryRecorder { return &KernelEntryRecorder{} }

func (k *KernelEntryRecorder) LoadDescriptorTables(idt, gdt bootparams.DescriptorTable) {
	if k.Jumped == nil {
		k.Jumped = &JumpRecord{}
	}
	k.Jumped.DescriptorsLoaded = true
	k.Jumped.IDT, k.Jumped.GDT = idt, gdt
}

func (k *KernelEntryRecorder) JumpDirect(kernelEntryAddr, bootParams uint64) {
	if k.Jumped == nil {
		k.Jumped = &JumpRecord{}
	}
	k.Jumped.EntryAddr = kernelEntryAddr
	k.Jumped.BootParams = bootParams
}

func (k *KernelEntryRecorder) JumpHandover(kernelEntryAddr uint64, image firmware.Handle, systab, bootParams uint64) {
	if k.Jumped == nil {
		k.Jumped = &JumpRecord{}
	}
	k.Jumped.Handover = true
	k.Jumped.EntryAddr = kernelEntryAddr
	k.Jumped.Image = image
	k.Jumped.Systab = systab
	k.Jumped.BootParams = bootParams
}
