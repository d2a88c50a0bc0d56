package cli

// This file contains argument processing utilities for turning the
// arguments of `bktest test` into a `go test -json` invocation.

import (
	"strings"
)

// go test and build flags that consume the following argument as their
// value, unless given as -flag=value
var valueFlags = map[string]bool{
	"-C":                true,
	"-asmflags":         true,
	"-bench":            true,
	"-benchtime":        true,
	"-blockprofile":     true,
	"-count":            true,
	"-covermode":        true,
	"-coverpkg":         true,
	"-coverprofile":     true,
	"-cpu":              true,
	"-cpuprofile":       true,
	"-exec":             true,
	"-fuzz":             true,
	"-fuzzminimizetime": true,
	"-fuzztime":         true,
	"-gccgoflags":       true,
	"-gcflags":          true,
	"-ldflags":          true,
	"-list":             true,
	"-memprofile":       true,
	"-mod":              true,
	"-modfile":          true,
	"-mutexprofile":     true,
	"-o":                true,
	"-outputdir":        true,
	"-overlay":          true,
	"-p":                true,
	"-parallel":         true,
	"-pkgdir":           true,
	"-run":              true,
	"-shuffle":          true,
	"-skip":             true,
	"-tags":             true,
	"-timeout":          true,
	"-toolexec":         true,
	"-trace":            true,
	"-vet":              true,
}

// flagName returns the canonical -name of a flag argument, and whether the
// argument carries its value inline.
func flagName(arg string) (string, bool) {
	name := "-" + strings.TrimLeft(arg, "-")
	if idx := strings.Index(name, "="); idx > 0 {
		return name[:idx], true
	}
	return name, false
}

// goTestArgs builds the arguments of `go`: test -json followed by the user's
// arguments. A leading -- separator and any -json the user passed are
// dropped.
func goTestArgs(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	out := []string{"test", "-json"}
	for i, arg := range args {
		// everything after -args belongs to the test binary
		if arg == "-args" || arg == "--args" {
			out = append(out, args[i:]...)
			break
		}
		if strings.HasPrefix(arg, "-") {
			if name, _ := flagName(arg); name == "-json" {
				continue
			}
		}
		out = append(out, arg)
	}
	return out
}

// packagePatterns returns the package arguments among args, defaulting to
// the current directory like go test does.
func packagePatterns(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	var patterns []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-args" || arg == "--args" {
			break
		}
		if !strings.HasPrefix(arg, "-") {
			patterns = append(patterns, arg)
			continue
		}
		// Skip the value of flags given as -flag value
		if name, inline := flagName(arg); !inline && valueFlags[name] && i+1 < len(args) {
			i++
		}
	}

	if len(patterns) == 0 {
		return []string{"."}
	}
	return patterns
}
