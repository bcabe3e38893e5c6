package agent

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/dreamware/forge/internal/protocol"
)

// toolProbes maps executables looked up on PATH to the capability they
// provide. Any one hit sets the bit.
var toolProbes = []struct {
	cap   protocol.Capability
	tools []string
}{
	{protocol.CapGCC, []string{"gcc", "g++", "cc"}},
	{protocol.CapClang, []string{"clang", "clang++"}},
	{protocol.CapMSVC, []string{"cl.exe", "cl"}},
	{protocol.CapRustc, []string{"rustc"}},
	{protocol.CapGo, []string{"go"}},
	{protocol.CapMake, []string{"make", "gmake"}},
	{protocol.CapCMake, []string{"cmake"}},
	{protocol.CapNinja, []string{"ninja"}},
	{protocol.CapCargo, []string{"cargo"}},
	{protocol.CapArchiver, []string{"ar", "llvm-ar", "lib.exe"}},
	{protocol.CapLinker, []string{"ld", "ld.lld", "link.exe"}},
}

// DetectCapabilities searches PATH for known toolchains. lookPath is
// exec.LookPath when nil.
func DetectCapabilities(lookPath func(string) (string, error)) protocol.Capability {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	var c protocol.Capability
	for _, p := range toolProbes {
		for _, tool := range p.tools {
			if _, err := lookPath(tool); err == nil {
				c |= p.cap
				break
			}
		}
	}
	return c
}

// SystemInfo describes the local host.
func SystemInfo() protocol.SystemInfo {
	host, _ := os.Hostname()
	return protocol.SystemInfo{
		Hostname: host,
		Arch:     runtime.GOARCH,
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
	}
}
