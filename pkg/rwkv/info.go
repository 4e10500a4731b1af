package rwkv

import (
	"fmt"
	"strings"

	"golang.org/x/sys/cpu"
)

// SystemInfoString enumerates the CPU feature flags the kernels can see.
// The set mirrors what the compute backend reports on each platform;
// flags for other architectures read as 0.
func SystemInfoString() string {
	flags := []struct {
		name string
		on   bool
	}{
		{"AVX", cpu.X86.HasAVX},
		{"AVX2", cpu.X86.HasAVX2},
		{"AVX512", cpu.X86.HasAVX512F},
		{"FMA", cpu.X86.HasFMA},
		{"F16C", cpu.X86.HasF16C},
		{"SSE3", cpu.X86.HasSSE3},
		{"NEON", cpu.ARM64.HasASIMD},
		{"ARM_FMA", cpu.ARM64.HasFP},
		{"FP16_VA", cpu.ARM64.HasASIMDHP},
		{"VSX", cpu.PPC64.IsPOWER9},
	}

	parts := make([]string, len(flags))
	for i, f := range flags {
		v := 0
		if f.on {
			v = 1
		}
		parts[i] = fmt.Sprintf("%s=%d", f.name, v)
	}
	return strings.Join(parts, " ")
}
