// Package configs provides the embedded configuration template written by
// `rice config init`.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration. Every key carries
// its default; uncommenting a line overrides it.
//
//go:embed rice.example.yaml
var ConfigTemplate string
