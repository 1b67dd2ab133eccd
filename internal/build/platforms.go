package build

import (
	"fmt"
	"path/filepath"
	"sort"

	"kiln/internal/faults"
	"kiln/internal/manifest"
)

// Inputs carries everything a platform needs to compute argument
// vectors: the environment, the installed package roots, and the
// manifest-level flag overrides.
type Inputs struct {
	Env           manifest.Environment
	ToolchainRoot string
	FrameworkRoot string
	PlatformRoot  string
	IncludeDirs   []string
}

// Orchestrator is the uniform per-platform surface. Every platform
// specialization implements exactly this signature so the dispatcher
// never branches on platform; the registry test keeps implementers
// honest.
type Orchestrator interface {
	Platform() string
	CompileArgs(in Inputs, source, object string) []string
	LinkArgs(in Inputs, objects []string, elf string) []string
	ImageArgs(in Inputs, elf, image string) []string
	UploadArgs(in Inputs, port, image string) []string
	ImageName() string
}

var orchestrators = map[string]Orchestrator{}

func register(o Orchestrator) {
	orchestrators[o.Platform()] = o
}

// Lookup resolves the orchestrator for a platform name.
func Lookup(platform string) (Orchestrator, error) {
	o, ok := orchestrators[platform]
	if !ok {
		return nil, faults.Wrap(faults.ErrValidation, "build", "lookup",
			fmt.Sprintf("no orchestrator for platform %q", platform), nil)
	}
	return o, nil
}

// Platforms lists registered platform names, sorted.
func Platforms() []string {
	out := make([]string, 0, len(orchestrators))
	for name := range orchestrators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// gccOrchestrator covers every GCC-shaped cross toolchain; platforms
// differ only in tool prefix, MCU flags, and image conversion.
type gccOrchestrator struct {
	platform   string
	toolPrefix string
	mcuFlags   []string
	imageExt   string
	// objcopyFormat is the -O argument of the image conversion step.
	objcopyFormat string
	// uploadArgv builds the upload transport invocation; the tool is an
	// opaque child process as far as the coordinator is concerned.
	uploadArgv func(port, image string) []string
}

func (g *gccOrchestrator) Platform() string { return g.platform }

func (g *gccOrchestrator) tool(root, name string) string {
	return filepath.Join(root, "bin", g.toolPrefix+name)
}

func (g *gccOrchestrator) CompileArgs(in Inputs, source, object string) []string {
	args := []string{g.tool(in.ToolchainRoot, "g++"), "-c", "-Os", "-Wall", "-ffunction-sections", "-fdata-sections"}
	args = append(args, g.mcuFlags...)
	for _, dir := range in.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	if in.FrameworkRoot != "" {
		args = append(args, "-I"+filepath.Join(in.FrameworkRoot, "cores"))
	}
	for _, def := range in.Env.Defines {
		args = append(args, "-D"+def)
	}
	args = append(args, in.Env.Flags...)
	args = append(args, "-o", object, source)
	return args
}

func (g *gccOrchestrator) LinkArgs(in Inputs, objects []string, elf string) []string {
	args := []string{g.tool(in.ToolchainRoot, "g++"), "-Wl,--gc-sections"}
	args = append(args, g.mcuFlags...)
	args = append(args, objects...)
	args = append(args, "-o", elf)
	return args
}

func (g *gccOrchestrator) ImageArgs(in Inputs, elf, image string) []string {
	return []string{g.tool(in.ToolchainRoot, "objcopy"), "-O", g.objcopyFormat, elf, image}
}

func (g *gccOrchestrator) UploadArgs(_ Inputs, port, image string) []string {
	return g.uploadArgv("/dev/"+port, image)
}

func (g *gccOrchestrator) ImageName() string { return "firmware" + g.imageExt }

func init() {
	register(&gccOrchestrator{
		platform:      "esp32",
		toolPrefix:    "riscv32-esp-elf-",
		mcuFlags:      []string{"-march=rv32imac_zicsr_zifencei"},
		imageExt:      ".bin",
		objcopyFormat: "binary",
		uploadArgv: func(port, image string) []string {
			return []string{"esptool.py", "--port", port, "--baud", "460800", "write_flash", "0x0", image}
		},
	})
	register(&gccOrchestrator{
		platform:      "esp8266",
		toolPrefix:    "xtensa-lx106-elf-",
		mcuFlags:      []string{"-mlongcalls"},
		imageExt:      ".bin",
		objcopyFormat: "binary",
		uploadArgv: func(port, image string) []string {
			return []string{"esptool.py", "--port", port, "--baud", "460800", "write_flash", "0x0", image}
		},
	})
	register(&gccOrchestrator{
		platform:      "atmelavr",
		toolPrefix:    "avr-",
		mcuFlags:      []string{"-mmcu=atmega328p"},
		imageExt:      ".hex",
		objcopyFormat: "ihex",
		uploadArgv: func(port, image string) []string {
			return []string{"avrdude", "-p", "atmega328p", "-c", "arduino", "-P", port, "-U", "flash:w:" + image + ":i"}
		},
	})
	register(&gccOrchestrator{
		platform:      "rp2040",
		toolPrefix:    "arm-none-eabi-",
		mcuFlags:      []string{"-mcpu=cortex-m0plus", "-mthumb"},
		imageExt:      ".uf2",
		objcopyFormat: "binary",
		uploadArgv: func(port, image string) []string {
			return []string{"picotool", "load", "-f", image}
		},
	})
	register(&gccOrchestrator{
		platform:      "ststm32",
		toolPrefix:    "arm-none-eabi-",
		mcuFlags:      []string{"-mcpu=cortex-m4", "-mthumb"},
		imageExt:      ".bin",
		objcopyFormat: "binary",
		uploadArgv: func(port, image string) []string {
			return []string{"st-flash", "write", image, "0x8000000"}
		},
	})
	register(&gccOrchestrator{
		platform:      "teensy",
		toolPrefix:    "arm-none-eabi-",
		mcuFlags:      []string{"-mcpu=cortex-m7", "-mthumb"},
		imageExt:      ".hex",
		objcopyFormat: "ihex",
		uploadArgv: func(port, image string) []string {
			return []string{"teensy_loader_cli", "--mcu=TEENSY41", "-w", image}
		},
	})
}
