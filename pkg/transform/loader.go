package transform

import (
	"fmt"
	"path/filepath"
	"plugin"

	"github.com/pingcap/errors"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

// ModuleLoader resolves the "(a) importing it from the directory of the
// configuration file, then (b) importing as a runtime module by name"
// fallback described in spec §4.5, using Go's plugin package as the
// dynamic-loading mechanism: a user compiles their transforms into a
// ".so" plugin exporting functions matching the Func signature.
type ModuleLoader struct {
	configDir string
}

// NewModuleLoader builds a loader that searches configDir first.
func NewModuleLoader(configDir string) *ModuleLoader {
	return &ModuleLoader{configDir: configDir}
}

// Load opens moduleName.so (first under configDir, then as a path relative
// to the working directory) and registers each function named in
// functionNames under "<moduleName>.<functionName>". A missing function or
// one whose signature does not match Func is an error. Failure to resolve
// here is a configuration error (spec §4.5) and is returned, not logged.
func (l *ModuleLoader) Load(reg *Registry, moduleName string, functionNames []string) error {
	p, err := l.open(moduleName)
	if err != nil {
		return errors.Annotatef(err, "load transform module %q", moduleName)
	}

	for _, fn := range functionNames {
		sym, err := p.Lookup(fn)
		if err != nil {
			return errors.Annotatef(err, "resolve transform function %s.%s", moduleName, fn)
		}
		f, ok := sym.(func(interface{}, model.Row, string) (interface{}, error))
		if !ok {
			return fmt.Errorf("transform function %s.%s has an incompatible signature", moduleName, fn)
		}
		ref := moduleName + "." + fn
		reg.Register(ref, Func(f))
	}
	return nil
}

func (l *ModuleLoader) open(moduleName string) (*plugin.Plugin, error) {
	if l.configDir != "" {
		local := filepath.Join(l.configDir, moduleName+".so")
		if p, err := plugin.Open(local); err == nil {
			return p, nil
		}
	}
	return plugin.Open(moduleName + ".so")
}
