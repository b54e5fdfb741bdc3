// Package common holds the logging setup and version information shared
// by every binary.
package common
