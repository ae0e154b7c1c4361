// Package tools defines the remotely invocable tool contract,
// the typed tool adapter with argument schema and validation,
// and the registry that dispatches invocations by name.
package tools
