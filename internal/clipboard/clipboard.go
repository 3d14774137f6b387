package clipboard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	nativeclip "github.com/atotto/clipboard"

	"github.com/asheshgoplani/tabtrail/internal/platform"
)

// Copy methods reported in CopyResult.
const (
	MethodSystem = "system"
	MethodWSL    = "clip.exe"
	MethodOSC52  = "osc52"
)

// CopyResult contains metadata about a successful clipboard copy operation.
type CopyResult struct {
	Method   string
	ByteSize int
}

// Swapped in tests.
var (
	writeNative       = nativeclip.WriteAll
	nativeUnsupported = func() bool { return nativeclip.Unsupported }
	openTTY           = func() (io.WriteCloser, error) { return os.OpenFile("/dev/tty", os.O_WRONLY, 0) }
)

// Copy puts text on the system clipboard. When no clipboard utility is
// available and allowOSC52 is set, the terminal is asked to do it with an
// OSC 52 escape sequence.
func Copy(text string, allowOSC52 bool) (*CopyResult, error) {
	if text == "" {
		return nil, fmt.Errorf("no content to copy")
	}

	method, err := copyNative(text)
	if err == nil {
		return &CopyResult{Method: method, ByteSize: len(text)}, nil
	}

	if allowOSC52 {
		if err := copyOSC52(text); err != nil {
			return nil, fmt.Errorf("OSC 52 clipboard failed: %w", err)
		}
		return &CopyResult{Method: MethodOSC52, ByteSize: len(text)}, nil
	}

	return nil, fmt.Errorf("no clipboard method available: %w", err)
}

func copyNative(text string) (string, error) {
	// WSL has no X clipboard; the Windows one is reached through clip.exe
	if platform.IsWSL() {
		cmd := exec.Command("clip.exe")
		cmd.Stdin = strings.NewReader(text)
		return MethodWSL, cmd.Run()
	}
	if nativeUnsupported() {
		return "", errors.New("no clipboard utility found (install xclip, xsel or wl-clipboard)")
	}
	return MethodSystem, writeNative(text)
}

// copyOSC52 writes the escape sequence to /dev/tty so it reaches the
// terminal even when stdout is redirected.
func copyOSC52(text string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	seq := generateOSC52(encoded, os.Getenv("TMUX") != "")

	tty, err := openTTY()
	if err != nil {
		return fmt.Errorf("cannot open /dev/tty: %w", err)
	}
	defer tty.Close()

	_, err = io.WriteString(tty, seq)
	return err
}

// generateOSC52 builds the OSC 52 escape sequence.
// If inTmux is true, wraps it in a DCS passthrough for tmux compatibility.
func generateOSC52(base64Content string, inTmux bool) string {
	osc := "\x1b]52;c;" + base64Content + "\x07"
	if inTmux {
		// tmux DCS passthrough: \ePtmux;\e{OSC}\e\\
		return "\x1bPtmux;\x1b" + osc + "\x1b\\"
	}
	return osc
}
