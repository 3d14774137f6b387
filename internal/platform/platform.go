// Package platform detects the OS flavor and filesystem quirks that change
// how files are watched and how the clipboard is reached.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce       sync.Once
	detectedPlatform Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detectedPlatform = detectPlatform()
	})
	return detectedPlatform
}

func detectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		procVersion, _ := os.ReadFile("/proc/version")
		return classifyLinux(os.Getenv("WSL_DISTRO_NAME") != "", string(procVersion), pathExists("/run/WSL"))
	default:
		return PlatformUnknown
	}
}

// classifyLinux tells native Linux from WSL. WSL2 kernels report
// "microsoft-standard"; WSL1 reports "Microsoft" without it.
func classifyLinux(wslEnv bool, procVersion string, runWSL bool) Platform {
	isWSL := wslEnv || strings.Contains(strings.ToLower(procVersion), "microsoft")
	if !isWSL {
		return PlatformLinux
	}
	if strings.Contains(procVersion, "microsoft-standard") || runWSL {
		return PlatformWSL2
	}
	return PlatformWSL1
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsWSL returns true if running in any WSL environment
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport reports why fsnotify events may not arrive for path
// (9p, NFS, CIFS or SSHFS mounts). An empty string means watching is fine.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(mountFsType(absPath, string(mounts)))
}

// mountFsType returns the filesystem type of the longest mount point
// containing absPath, parsed from /proc/mounts content.
func mountFsType(absPath, mounts string) string {
	var matchedMount, matchedFsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !underMount(absPath, mountPoint) {
			continue
		}
		if len(mountPoint) > len(matchedMount) {
			matchedMount, matchedFsType = mountPoint, fsType
		}
	}
	return matchedFsType
}

func underMount(path, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountPoint, "/")+"/")
}

func fsnotifyWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "9p mount (WSL2 Windows filesystem): file events are not delivered"
	case fsType == "nfs" || fsType == "nfs4":
		return "NFS mount: file events may be unreliable"
	case fsType == "cifs" || fsType == "smbfs":
		return "CIFS/SMB mount: file events may be unreliable"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "SSHFS mount: file events are not delivered"
	}
	return ""
}
