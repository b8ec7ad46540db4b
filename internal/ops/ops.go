// Package ops holds the built-in sources, functions, and targets:
// local filesystem sources, a SQLite table target, a JSON-lines file
// target, and a recursive text splitter. Each registers a connector
// factory and a spec decoder under its kind name.
package ops

import (
	"github.com/lagoonworks/silt/internal/registry"
)

func init() {
	Register(registry.Default())
}

// Register installs the built-in kinds on reg. Called for the default
// registry at init time; tests register on isolated registries.
func Register(reg *registry.Registry) {
	reg.MustRegisterSource(localFileKind, newLocalFileSource)
	reg.RegisterSourceSpec(localFileKind, registry.SourceSpecJSON[LocalFileSpec]())

	reg.MustRegisterFunction(splitTextKind, newSplitText)
	reg.RegisterFunctionSpec(splitTextKind, registry.FunctionSpecJSON[SplitTextSpec]())

	reg.MustRegisterTarget(sqliteKind, newSQLiteTarget)
	reg.RegisterTargetSpec(sqliteKind, registry.TargetSpecJSON[SQLiteTargetSpec]())

	reg.MustRegisterTarget(jsonlKind, newJSONLTarget)
	reg.RegisterTargetSpec(jsonlKind, registry.TargetSpecJSON[JSONLTargetSpec]())
}
