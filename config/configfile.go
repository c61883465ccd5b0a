package config

import (
	"fmt"
	"strconv"
	"strings"

	"efilinux/efistatus"
	"efilinux/fsdev"
)

// configCeiling is the largest ASCII byte count whose UTF-16 widening (one
// ASCII byte becomes a two-byte wide char, per spec.md §6) does not exceed
// 2^32 bytes.
const configCeiling = 1 << 31

// ConfigFileName is the fixed name looked up in the loader's own directory.
const ConfigFileName = "efilinux.cfg"

// ReadConfigFile opens "<ownDeviceIdx>:<loaderDir>\efilinux.cfg" and returns
// its first line of ASCII arguments (spec.md §6's config file), or
// ("", nil) if the file does not exist — config files are optional and,
// when present, supersede the options firmware passed at load.
func ReadConfigFile(fs *fsdev.Table, ownDeviceIdx int, loaderDir string) (string, error) {
	path := strconv.Itoa(ownDeviceIdx) + ":" + strings.TrimRight(loaderDir, "\\") + "\\" + ConfigFileName

	f, err := fs.Open(path)
	if err != nil {
		return "", nil
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return "", err
	}
	if size > configCeiling {
		return "", efistatus.New(efistatus.InvalidParameter, fmt.Sprintf("config file exceeds %#x bytes once widened", uint64(configCeiling)*2))
	}

	raw, err := f.Read(int(size))
	if err != nil {
		return "", efistatus.Wrap(efistatus.LoadError, "read config file", err)
	}

	line := string(raw)
	if idx := strings.IndexByte(line, '\n'); idx != -1 {
		line = line[:idx]
	}
	return strings.TrimRight(line, "\r"), nil
}
