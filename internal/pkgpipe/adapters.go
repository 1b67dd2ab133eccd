package pkgpipe

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"kiln/internal/faults"
	"kiln/internal/manifest"
)

// EnvPackageMirror redirects every package download to a mirror,
// keeping only the URL path. Used for air-gapped hosts and tests.
const EnvPackageMirror = "KILN_PACKAGE_MIRROR"

func applyMirror(raw string) string {
	mirror := strings.TrimRight(os.Getenv(EnvPackageMirror), "/")
	if mirror == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return mirror + parsed.Path
}

// Package registry: for each supported platform, where its pieces come
// from. The generic scheduler knows nothing about this; the adapter
// translates an environment into tasks with the domain's dependency
// edges (platform -> toolchains -> framework -> libraries).
type platformPackages struct {
	platformURL  string // %s = version
	toolchains   map[string]string
	frameworkURL string
}

var platformRegistry = map[string]platformPackages{
	"esp32": {
		platformURL: "https://github.com/espressif/arduino-esp32/releases/download/platform-esp32-%s.tar.gz",
		toolchains: map[string]string{
			"xtensa-esp-elf":  "https://github.com/espressif/crosstool-NG/releases/download/xtensa-esp-elf-%s.tar.gz",
			"riscv32-esp-elf": "https://github.com/espressif/crosstool-NG/releases/download/riscv32-esp-elf-%s.tar.gz",
		},
		frameworkURL: "https://github.com/espressif/arduino-esp32/releases/download/framework-arduinoespressif32-%s.tar.gz",
	},
	"esp8266": {
		platformURL: "https://github.com/esp8266/Arduino/releases/download/platform-esp8266-%s.tar.gz",
		toolchains: map[string]string{
			"xtensa-lx106-elf": "https://github.com/earlephilhower/esp-quick-toolchain/releases/download/xtensa-lx106-elf-%s.tar.gz",
		},
		frameworkURL: "https://github.com/esp8266/Arduino/releases/download/framework-arduinoespressif8266-%s.tar.gz",
	},
	"atmelavr": {
		platformURL: "https://downloads.arduino.cc/packages/platform-avr-%s.tar.gz",
		toolchains: map[string]string{
			"avr-gcc": "https://downloads.arduino.cc/tools/avr-gcc-%s.tar.gz",
		},
		frameworkURL: "https://downloads.arduino.cc/cores/framework-arduino-avr-%s.tar.gz",
	},
	"rp2040": {
		platformURL: "https://github.com/earlephilhower/arduino-pico/releases/download/platform-rp2040-%s.tar.gz",
		toolchains: map[string]string{
			"arm-none-eabi-gcc": "https://github.com/earlephilhower/pico-quick-toolchain/releases/download/arm-none-eabi-gcc-%s.tar.gz",
		},
		frameworkURL: "https://github.com/earlephilhower/arduino-pico/releases/download/framework-arduinopico-%s.tar.gz",
	},
	"ststm32": {
		platformURL: "https://github.com/stm32duino/Arduino_Core_STM32/releases/download/platform-ststm32-%s.tar.gz",
		toolchains: map[string]string{
			"arm-none-eabi-gcc": "https://developer.arm.com/downloads/gnu/arm-none-eabi-gcc-%s.tar.gz",
		},
		frameworkURL: "https://github.com/stm32duino/Arduino_Core_STM32/releases/download/framework-arduinoststm32-%s.tar.gz",
	},
	"teensy": {
		platformURL: "https://www.pjrc.com/teensy/td_releases/platform-teensy-%s.tar.gz",
		toolchains: map[string]string{
			"arm-none-eabi-gcc": "https://www.pjrc.com/teensy/td_releases/arm-none-eabi-gcc-%s.tar.gz",
		},
		frameworkURL: "https://www.pjrc.com/teensy/td_releases/framework-teensy-%s.tar.gz",
	},
}

// SupportedPlatforms lists the platforms the adapter can build task
// graphs for.
func SupportedPlatforms() []string {
	out := make([]string, 0, len(platformRegistry))
	for name := range platformRegistry {
		out = append(out, name)
	}
	return out
}

// EnvironmentTasks builds the install DAG for one environment. The
// edges encode the domain ordering: the platform definition names the
// toolchain versions, toolchains are needed to post-process the
// framework, and libraries compile against the framework.
func EnvironmentTasks(envName string, env manifest.Environment) ([]*Task, error) {
	reg, ok := platformRegistry[env.Platform]
	if !ok {
		return nil, faults.Wrap(faults.ErrValidation, "pkgpipe", "adapter",
			fmt.Sprintf("env %q: unsupported platform %q", envName, env.Platform), nil)
	}

	version := env.PlatformVersion
	if version == "" {
		version = "latest"
	}
	frameworkVersion := env.FrameworkVersion
	if frameworkVersion == "" {
		frameworkVersion = version
	}

	var tasks []*Task

	platformTask := NewTask(
		"platform-"+env.Platform, "platform", version,
		applyMirror(fmt.Sprintf(reg.platformURL, version)),
	)
	tasks = append(tasks, platformTask)

	toolchains := env.Toolchains
	if len(toolchains) == 0 {
		for name := range reg.toolchains {
			toolchains = append(toolchains, name)
		}
	}
	var toolchainNames []string
	for _, tc := range toolchains {
		urlTemplate, ok := reg.toolchains[tc]
		if !ok {
			return nil, faults.Wrap(faults.ErrValidation, "pkgpipe", "adapter",
				fmt.Sprintf("env %q: platform %q has no toolchain %q", envName, env.Platform, tc), nil)
		}
		task := NewTask("toolchain-"+tc, "toolchain", version,
			applyMirror(fmt.Sprintf(urlTemplate, version)),
			platformTask.Name)
		toolchainNames = append(toolchainNames, task.Name)
		tasks = append(tasks, task)
	}

	frameworkTask := NewTask(
		"framework-"+env.Platform, "framework", frameworkVersion,
		applyMirror(fmt.Sprintf(reg.frameworkURL, frameworkVersion)),
		toolchainNames...,
	)
	tasks = append(tasks, frameworkTask)

	for _, lib := range env.Libraries {
		url := lib.URL
		if url == "" {
			url = fmt.Sprintf("https://downloads.arduino.cc/libraries/%s-%s.tar.gz",
				manifest.NormalizeName(lib.Name), lib.Version)
		}
		tasks = append(tasks, NewTask(
			"library-"+manifest.NormalizeName(lib.Name), "library", lib.Version, applyMirror(url),
			frameworkTask.Name,
		))
	}
	return tasks, nil
}
