// Package loader implements the top-level control flow spec.md §2 names:
// filesystem init, option parsing, kernel parsing, staging allocations,
// initrd staging, graphics probe, memory-map snapshot, exit-boot-services,
// kernel jump. It is the one package that knows the order every other
// package's operations run in.
package loader

import (
	"fmt"
	"log"
	"strings"

	"github.com/dustin/go-humanize"

	"efilinux/alloc"
	"efilinux/bootparams"
	"efilinux/config"
	"efilinux/efistatus"
	"efilinux/fsdev"
	"efilinux/graphics"
	"efilinux/handoff"
	"efilinux/initrd"
	"efilinux/internal/firmware"
	"efilinux/kernel"
	"efilinux/memmap"
)

// Result is what a successful Boot call reports back, mainly for host-side
// diagnostics — after a real jump there is no caller left to report to.
type Result struct {
	KernelStart uint64
	CmdLineAddr uint64
	BootParams  *bootparams.BootParams
	Entry       handoff.Entry
}

// Boot runs spec.md §2's control flow end to end: it resolves and parses
// the kernel image, stages its body/cmdline/initrds/boot-params/GDT, probes
// graphics, and hands off via handoff.Sequence, with k performing the final
// jump. ownDevicePath and loaderDir locate the
// image's own volume and directory for config-file resolution and the
// filesystem table's "no prefix" rule.
func Boot(fw *firmware.Context, loadOptions, ownDevicePath, loaderDir string, k handoff.KernelEntry) (*Result, error) {
	fs, err := fsdev.Init(fw.Boot, ownDevicePath)
	if err != nil {
		return nil, err
	}

	opts, err := resolveOptions(fs, loadOptions, loaderDir)
	if err != nil {
		if opts.Help {
			fmt.Print(config.Usage)
		}
		if opts.ListDevices {
			for _, line := range fs.List() {
				fmt.Println(line)
			}
		}
		return nil, err
	}

	if opts.ShowMemoryMap {
		m, mmErr := memmap.Acquire(fw.Boot)
		if mmErr != nil {
			return nil, mmErr
		}
		for i, d := range m.Descriptors {
			fmt.Println(memmap.DescriptorLine(i, d))
		}
	}

	a := alloc.New(fw.Boot)

	f, err := fs.Open(opts.KernelFileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := kernel.ParseSetupHeader(f)
	if err != nil {
		return nil, err
	}

	bodySize, err := img.BodySize()
	if err != nil {
		return nil, err
	}

	kernelStart, err := img.PlaceBody(a, fw.Boot, bodySize)
	if err != nil {
		return nil, efistatus.Wrap(efistatus.OutOfResources, "failed to place kernel body", err)
	}
	body := make([]byte, bodySize)
	if err := img.ReadBody(body); err != nil {
		return nil, err
	}
	if err := fw.Boot.WritePhysical(kernelStart, body); err != nil {
		return nil, err
	}
	log.Printf("kernel: staged %s at %#x", humanize.Bytes(bodySize), kernelStart)

	cmdlineAddr, err := initrd.StageCmdline(opts.KernelCmdline, a, fw.Boot)
	if err != nil {
		return nil, err
	}

	bp, err := bootparams.New(a, fw.Boot, img.Setup)
	if err != nil {
		return nil, err
	}
	bp.Hdr = img.Header
	bp.SetCode32Start(kernelStart)
	bp.SetCmdLinePtr(cmdlineAddr)

	if err := initrd.Stage(opts.KernelCmdline, fs, a, fw.Boot, &bp.Hdr); err != nil {
		log.Printf("warning: initrd staging failed: %v", err)
	}

	si, err := graphics.Probe(fw.Boot)
	if err != nil {
		log.Printf("warning: graphics probe failed: %v", err)
	} else {
		bp.ScreenInfo = si
	}

	gdt, err := bootparams.NewGDT(a, fw.Boot)
	if err != nil {
		return nil, err
	}

	entry := handoff.Select(fw.Arch, bp.Hdr.Version, kernelStart, bp.Hdr.HandoverOffset)

	if err := handoff.Sequence(fw, fs, a, bp, gdt, entry, k); err != nil {
		return nil, err
	}

	return &Result{KernelStart: kernelStart, CmdLineAddr: cmdlineAddr, BootParams: bp, Entry: entry}, nil
}

// resolveOptions parses loadOptions, then re-parses over a config file's
// contents if one is present — spec.md §6's "if present, it supersedes
// firmware-passed options".
func resolveOptions(fs *fsdev.Table, loadOptions, loaderDir string) (config.Options, error) {
	opts, err := config.Parse(loadOptions)
	if opts.Help || opts.ListDevices {
		return opts, err
	}

	line, cfgErr := config.ReadConfigFile(fs, fs.OwnIndex(), loaderDir)
	if cfgErr == nil && strings.TrimSpace(line) != "" {
		return config.Parse(line)
	}
	return opts, err
}
