package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

// layer is the architectural role of a package in the relay tree.
type layer int

const (
	layerOther layer = iota
	layerProtocol
	layerKernel
	layerDriverRegistry
	layerDriver
	layerModule
	layerCommand
	layerTooling
)

var layerNames = map[layer]string{
	layerOther:          "package",
	layerProtocol:       "protocol",
	layerKernel:         "kernel",
	layerDriverRegistry: "driver registry",
	layerDriver:         "driver",
	layerModule:         "module",
	layerCommand:        "command",
	layerTooling:        "tooling",
}

// allowedImports lists the in-repo layers each layer may depend on. Drivers
// and modules are further restricted to their own package tree.
var allowedImports = map[layer][]layer{
	layerProtocol:       {layerProtocol},
	layerKernel:         {layerProtocol, layerKernel},
	layerDriverRegistry: {layerProtocol, layerDriverRegistry, layerDriver},
	layerDriver:         {layerProtocol, layerDriver},
	layerModule:         {layerProtocol, layerModule},
	layerCommand:        {layerProtocol, layerKernel, layerDriverRegistry, layerDriver, layerModule, layerCommand},
	layerTooling:        {},
}

// unit is one classified package: its layer and, for drivers and modules,
// the name of the driver or module it belongs to.
type unit struct {
	layer layer
	name  string
}

func (u unit) String() string {
	if u.name == "" {
		return layerNames[u.layer]
	}

	return layerNames[u.layer] + " " + u.name
}

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	modulePath, err := currentModulePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	checker := newChecker(modulePath, packages)
	violations := checker.violations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed (%s)\n", checker.summary())
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func currentModulePath() (string, error) {
	output, err := exec.Command("go", "list", "-m").Output()
	if err != nil {
		return "", fmt.Errorf("go list -m: %w", err)
	}
	path := strings.TrimSpace(string(output))
	if path == "" || strings.Contains(path, "\n") {
		return "", fmt.Errorf("go list -m: unexpected output %q", path)
	}

	return path, nil
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	return decodePackages(&stdout)
}

func decodePackages(r io.Reader) ([]listedPackage, error) {
	decoder := json.NewDecoder(r)
	var result []listedPackage
	for {
		var pkg listedPackage
		err := decoder.Decode(&pkg)
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath != "" {
			result = append(result, pkg)
		}
	}
}

// checker classifies the repository's packages once and checks their imports.
type checker struct {
	modulePath string
	units      map[string]unit
}

func newChecker(modulePath string, packages []listedPackage) *checker {
	c := &checker{modulePath: modulePath, units: make(map[string]unit, len(packages))}
	for _, pkg := range packages {
		path := basePackagePath(pkg.ImportPath)
		if u, ok := c.classify(path); ok {
			c.units[path] = u
		}
	}

	return c
}

// classify maps an import path inside the module to its unit.
func (c *checker) classify(importPath string) (unit, bool) {
	rel, ok := strings.CutPrefix(importPath, c.modulePath+"/")
	if !ok {
		return unit{}, false
	}
	segments := strings.Split(rel, "/")
	switch {
	case rel == "pkg/relay" || strings.HasPrefix(rel, "pkg/relay/"):
		return unit{layer: layerProtocol}, true
	case segments[0] == "internal" && len(segments) > 1 && segments[1] == "kernel":
		return unit{layer: layerKernel}, true
	case rel == "internal/driver":
		return unit{layer: layerDriverRegistry}, true
	case segments[0] == "internal" && len(segments) > 2 && segments[1] == "driver":
		return unit{layer: layerDriver, name: segments[2]}, true
	case segments[0] == "modules" && len(segments) > 1:
		return unit{layer: layerModule, name: segments[1]}, true
	case segments[0] == "cmd":
		return unit{layer: layerCommand}, true
	case segments[0] == "scripts":
		return unit{layer: layerTooling}, true
	default:
		return unit{layer: layerOther}, true
	}
}

func (c *checker) unitOf(importPath string) (unit, bool) {
	path := basePackagePath(importPath)
	if u, ok := c.units[path]; ok {
		return u, true
	}

	return c.classify(path)
}

// violations returns the sorted, de-duplicated import violations of packages.
func (c *checker) violations(packages []listedPackage) []string {
	found := make(map[string]struct{})
	for _, pkg := range packages {
		importer, ok := c.unitOf(pkg.ImportPath)
		if !ok {
			continue
		}
		imports := slices.Concat(pkg.Imports, pkg.TestImports, pkg.XTestImports)
		for _, imported := range imports {
			target, ok := c.unitOf(imported)
			if !ok {
				continue
			}
			if reason := importViolation(importer, target); reason != "" {
				found[fmt.Sprintf("%s -> %s (%s)", basePackagePath(pkg.ImportPath), imported, reason)] = struct{}{}
			}
		}
	}

	return slices.Sorted(maps.Keys(found))
}

// summary counts the drivers and modules found in the package list.
func (c *checker) summary() string {
	drivers := make(map[string]bool)
	modules := make(map[string]bool)
	for _, u := range c.units {
		switch u.layer {
		case layerDriver:
			drivers[u.name] = true
		case layerModule:
			modules[u.name] = true
		}
	}

	return fmt.Sprintf("%d packages, drivers: %s, modules: %s",
		len(c.units),
		strings.Join(slices.Sorted(maps.Keys(drivers)), ","),
		strings.Join(slices.Sorted(maps.Keys(modules)), ","),
	)
}

// importViolation explains why importer may not depend on imported, or
// returns "" when the import is allowed.
func importViolation(importer, imported unit) string {
	if importer.layer == layerOther || imported.layer == layerOther {
		return ""
	}
	if !slices.Contains(allowedImports[importer.layer], imported.layer) {
		return fmt.Sprintf("%s must not import %s", importer, imported)
	}
	switch importer.layer {
	case layerDriver, layerModule:
		if imported.layer == importer.layer && imported.name != importer.name {
			return fmt.Sprintf("%s must not import sibling %s", importer, imported)
		}
	}

	return ""
}

// basePackagePath strips the test variant suffixes go list -test adds.
func basePackagePath(importPath string) string {
	path, _, _ := strings.Cut(importPath, " ")
	path = strings.TrimSuffix(path, ".test")

	return strings.TrimSuffix(path, "_test")
}
