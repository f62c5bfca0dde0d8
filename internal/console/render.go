package console

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/biosboot/internal/hv"
)

// VGA attribute nibbles in hardware order, mapped to the basic ANSI palette.
var vgaPalette = [16]ansi.BasicColor{
	ansi.Black,
	ansi.Blue,
	ansi.Green,
	ansi.Cyan,
	ansi.Red,
	ansi.Magenta,
	ansi.Yellow, // VGA "brown"
	ansi.White,
	ansi.BrightBlack,
	ansi.BrightBlue,
	ansi.BrightGreen,
	ansi.BrightCyan,
	ansi.BrightRed,
	ansi.BrightMagenta,
	ansi.BrightYellow,
	ansi.BrightWhite,
}

// Render reads the text-mode buffer back out of guest memory and formats it
// as ANSI-styled terminal output, trailing blank lines trimmed. Used by
// cmd/bootrun to show what a screen would display.
func Render(vm hv.VirtualMachine) (string, error) {
	buf := make([]byte, Columns*Rows*2)
	if _, err := vm.ReadAt(buf, TextBufferAddr); err != nil {
		return "", err
	}

	var sb strings.Builder
	lastContent := 0
	lines := make([]string, 0, Rows)
	for row := 0; row < Rows; row++ {
		var line strings.Builder
		blank := true
		for col := 0; col < Columns; col++ {
			idx := (row*Columns + col) * 2
			ch, attr := buf[idx], buf[idx+1]
			if ch == 0 {
				ch = ' '
			}
			if ch != ' ' {
				blank = false
			}
			style := ansi.Style{}.
				ForegroundColor(vgaPalette[attr&0x0F]).
				BackgroundColor(vgaPalette[(attr>>4)&0x07])
			line.WriteString(style.Styled(string(rune(ch))))
		}
		lines = append(lines, line.String())
		if !blank {
			lastContent = row + 1
		}
	}
	for _, line := range lines[:lastContent] {
		sb.WriteString(line)
		sb.WriteString(ansi.ResetStyle)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
