// Package config parses the load-options string firmware hands an EFI
// application (or the equivalent config-file line) into the flags and
// kernel command line the loader acts on (spec.md §6). Grammar and flag
// names are hand-rolled rather than pulled from a flags library, the way
// the teacher's own magiskboot.go dispatches its CLI by hand.
package config

import (
	"strings"

	"efilinux/efistatus"
)

// Options is the parsed result of an efilinux load-options string.
type Options struct {
	Help           bool
	ListDevices    bool
	ShowMemoryMap  bool
	KernelFileName string
	KernelCmdline  string
}

// Usage is printed verbatim on a CLI error, in the teacher's Usage()
// register: short, imperative, one line per flag.
const Usage = `efilinux [-h] [-l] [-m] -f <filename> [<kernel-cmdline-words>...]

  -h              print this message
  -l              list filesystem devices by index and device path
  -m              print the firmware memory map before continuing
  -f <filename>   path to the kernel image to load (required)

Any remaining words become the kernel command line.
`

// token is one whitespace-delimited word of a load-options string, plus the
// byte offset it starts at. Parse needs the offset, not just the text, so it
// can later slice the kernel command line out of the original string
// verbatim instead of reassembling it from tokens (spec.md line 202:
// "everything from there to end-of-options is copied verbatim as ASCII" —
// strings.Fields/Join would collapse irregular spacing to single spaces).
type token struct {
	text  string
	start int
}

func tokenize(s string) []token {
	var toks []token
	i := 0
	for i < len(s) {
		for i < len(s) && isOptionSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		for i < len(s) && !isOptionSpace(s[i]) {
			i++
		}
		toks = append(toks, token{text: s[start:i], start: start})
	}
	return toks
}

func isOptionSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

// Parse implements spec.md §6's CLI grammar. -h and -l short-circuit with
// InvalidParameter since they are informational actions, not a boot
// attempt; -f is mandatory for every other path.
func Parse(loadOptions string) (Options, error) {
	toks := tokenize(loadOptions)
	// toks[0] is conventionally the image's own path under real firmware
	// load options; skip it if present and flag-shaped input starts at
	// index 1, matching how argv[0] is the program name.
	if len(toks) > 0 && !strings.HasPrefix(toks[0].text, "-") {
		toks = toks[1:]
	}

	var opt Options
	i := 0
	for i < len(toks) {
		switch toks[i].text {
		case "-h":
			opt.Help = true
			return opt, efistatus.New(efistatus.InvalidParameter, "usage requested")
		case "-l":
			opt.ListDevices = true
			return opt, efistatus.New(efistatus.InvalidParameter, "device list requested")
		case "-m":
			opt.ShowMemoryMap = true
			i++
		case "-f":
			if i+1 >= len(toks) {
				return opt, efistatus.New(efistatus.InvalidParameter, "-f requires a filename")
			}
			opt.KernelFileName = toks[i+1].text
			i += 2
		default:
			// Everything from here to the end of the original string is
			// the kernel command line, preserved byte-for-byte.
			opt.KernelCmdline = loadOptions[toks[i].start:]
			i = len(toks)
		}
	}

	if opt.KernelFileName == "" {
		return opt, efistatus.New(efistatus.InvalidParameter, "-f <filename> is required")
	}
	return opt, nil
}
