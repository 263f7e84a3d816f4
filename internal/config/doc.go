// Package config provides configuration loading and validation for the
// artimi client. It reads a YAML file, lets the environment override the
// credentials and validates endpoints and timing parameters.
package config
