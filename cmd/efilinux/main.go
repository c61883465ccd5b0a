// Command efilinux is a hosted harness for the loader: the Go toolchain has
// no EFI-PE linker target, so a literal cross-compiled UEFI binary is out of
// reach for a portable Go build. This command instead drives the same
// loader.Boot pipeline a real EFI application would run, against a real
// kernel file and a host directory standing in for the firmware volume —
// useful for validating a kernel image and its command line before ever
// touching firmware, and for the "-l"/"-m" diagnostic flags spec.md §6
// describes. Grounded on the teacher's magiskboot.go: a hand-parsed
// os.Args dispatch with one Usage() block, no flags package.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"efilinux/config"
	"efilinux/internal/firmware"
	"efilinux/internal/simfw"
	"efilinux/loader"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, config.Usage)
		os.Exit(1)
	}

	kernelPath := kernelPathArg(os.Args[1:])
	if kernelPath == "" {
		fmt.Fprint(os.Stderr, config.Usage)
		os.Exit(1)
	}
	dir := filepath.Dir(kernelPath)

	// Rewrite the -f argument to a bare file name: HostVolume resolves
	// every path relative to dir, the same way a device path never
	// carries its own volume root.
	args := append([]string(nil), os.Args[1:]...)
	for i, a := range args {
		if a == "-f" && i+1 < len(args) {
			args[i+1] = filepath.Base(kernelPath)
		}
	}
	loadOptions := "efilinux " + strings.Join(args, " ")

	vol, err := simfw.NewHostVolume(dir)
	if err != nil {
		log.Fatalf("open %s: %v", dir, err)
	}

	fw := simfw.NewFlat(256<<20, 0x7fe00000)
	fw.AddVolume(vol)

	ctx := &firmware.Context{
		Image:   fw.Image(),
		Boot:    fw,
		Runtime: fw,
		Arch:    firmware.ArchX86_64,
	}

	k := simfw.NewKernelEntryRecorder()
	result, err := loader.Boot(ctx, loadOptions, vol.DevicePath(), ".", k)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("kernel staged at %#x, cmdline at %#x, e820 entries: %d\n",
		result.KernelStart, result.CmdLineAddr, len(result.BootParams.E820))
}

// kernelPathArg finds the value following "-f", the one argument that
// names a real host path rather than a loader flag or kernel-cmdline word.
func kernelPathArg(args []string) string {
	for i, a := range args {
		if a == "-f" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
