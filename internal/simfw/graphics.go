package simfw

import "efilinux/internal/firmware"

// GOP is a fixed-mode firmware.GraphicsOutput, for exercising graphics.Probe
// without a real graphics-output protocol handle.
type GOP struct {
	Mode firmware.ModeInfo
}

func (g GOP) CurrentMode() (firmware.ModeInfo, error) { return g.Mode, nil }
